package sbq

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeOption is a function that can be used to configure an Envelope.
type EnvelopeOption func(*Envelope)

// Envelope is the unit exchanged between queues.
type Envelope struct {
	// ConversationID identifies the Service Broker conversation that carried
	// the message. It is filled in on receive.
	ConversationID uuid.UUID

	// Data is the message payload.
	Data []byte

	// DeferUntil optionally delays processing of the message until the given
	// UTC time.
	DeferUntil *time.Time

	// Headers carries application metadata such as correlation or trace IDs.
	Headers Headers
}

// WithDeferUntil defers processing of the message until t.
func WithDeferUntil(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		utc := t.UTC()
		e.DeferUntil = &utc
	}
}

// WithHeader adds a header value.
func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		e.Headers.Add(key, value)
	}
}

// WithHeaders copies all values of h into the envelope headers.
func WithHeaders(h Headers) EnvelopeOption {
	return func(e *Envelope) {
		h.Each(func(key, value string) {
			e.Headers.Add(key, value)
		})
	}
}

// NewEnvelope creates a new Envelope with the given payload.
func NewEnvelope(data []byte, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{Data: data}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Headers is an ordered multimap of header names to values.
// Names are compared case-insensitively; the zero value is ready to use.
type Headers struct {
	entries []headerEntry
}

type headerEntry struct {
	key    string
	values []string
}

func (h *Headers) find(key string) int {
	for i := range h.entries {
		if strings.EqualFold(h.entries[i].key, key) {
			return i
		}
	}
	return -1
}

// clone returns a copy of the entries whose slices share no backing arrays
// with h, so copies of a Headers value can be mutated independently.
func (h *Headers) clone() []headerEntry {
	entries := make([]headerEntry, len(h.entries), len(h.entries)+1)
	for i, e := range h.entries {
		entries[i] = headerEntry{key: e.key, values: slices.Clip(e.values)}
	}
	return entries
}

// Add appends value to the values of key.
func (h *Headers) Add(key, value string) {
	entries := h.clone()
	if i := h.find(key); i >= 0 {
		entries[i].values = append(entries[i].values, value)
	} else {
		entries = append(entries, headerEntry{key: key, values: []string{value}})
	}
	h.entries = entries
}

// Set replaces all values of key with value.
func (h *Headers) Set(key, value string) {
	i := h.find(key)
	if i < 0 {
		h.Add(key, value)
		return
	}
	entries := h.clone()
	entries[i].values = []string{value}
	h.entries = entries
}

// Get returns the first value of key, or "" if there is none.
func (h Headers) Get(key string) string {
	if i := h.find(key); i >= 0 {
		return h.entries[i].values[0]
	}
	return ""
}

// Values returns all values of key in insertion order.
func (h Headers) Values(key string) []string {
	if i := h.find(key); i >= 0 {
		return append([]string(nil), h.entries[i].values...)
	}
	return nil
}

// Del removes key and its values.
func (h *Headers) Del(key string) {
	if i := h.find(key); i >= 0 {
		h.entries = slices.Delete(h.clone(), i, i+1)
	}
}

// Keys returns the header names in first-insertion order.
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of distinct header names.
func (h Headers) Len() int {
	return len(h.entries)
}

// Each calls fn for every key/value pair in order.
func (h Headers) Each(fn func(key, value string)) {
	for _, e := range h.entries {
		for _, v := range e.values {
			fn(e.key, v)
		}
	}
}
