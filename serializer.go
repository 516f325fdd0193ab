package sbq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Serializer converts envelopes to and from the byte buffers stored in
// Service Broker message bodies.
type Serializer interface {
	Serialize(e *Envelope) ([]byte, error)
	Deserialize(buf []byte) (*Envelope, error)
}

// JSONSerializer is the default Serializer.
// The conversation id is not part of the buffer; the store supplies it.
type JSONSerializer struct{}

type wireEnvelope struct {
	Data       []byte      `json:"data"`
	DeferUntil *time.Time  `json:"deferUntil,omitempty"`
	Headers    [][2]string `json:"headers,omitempty"`
}

// Serialize encodes e.
func (JSONSerializer) Serialize(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, ErrNilEnvelope
	}
	w := wireEnvelope{
		Data:       e.Data,
		DeferUntil: e.DeferUntil,
	}
	e.Headers.Each(func(key, value string) {
		w.Headers = append(w.Headers, [2]string{key, value})
	})
	buf, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serializing envelope: %w", err)
	}
	return buf, nil
}

// Deserialize decodes buf into a new Envelope.
func (JSONSerializer) Deserialize(buf []byte) (*Envelope, error) {
	if len(buf) == 0 {
		return nil, errors.New("empty message body")
	}
	var w wireEnvelope
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, err
	}
	e := &Envelope{
		Data:       w.Data,
		DeferUntil: w.DeferUntil,
	}
	for _, kv := range w.Headers {
		e.Headers.Add(kv[0], kv[1])
	}
	return e, nil
}
