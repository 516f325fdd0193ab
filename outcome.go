package sbq

// OutcomeKind tags the result of a dequeue attempt.
type OutcomeKind int

const (
	// Delivered means a message was removed from the queue.
	Delivered OutcomeKind = iota
	// TimedOut means the queue stayed empty for the whole store-side wait.
	TimedOut
	// Cancelled means the client aborted the store call.
	Cancelled
	// Failed means the store or the serializer reported an error.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a single dequeue attempt.
type Outcome struct {
	Kind     OutcomeKind
	Envelope *Envelope
	Err      error
}

func delivered(e *Envelope) Outcome { return Outcome{Kind: Delivered, Envelope: e} }

func failed(err error) Outcome { return Outcome{Kind: Failed, Err: err} }
