package frame

// StartInterruption tells every stage that the user barged in. Queued and
// in-flight bot output older than this frame is discarded.
type StartInterruption struct{ header }

// NewStartInterruption returns a StartInterruption frame.
func NewStartInterruption() *StartInterruption {
	return &StartInterruption{header: newHeader()}
}

// Kind implements [Frame].
func (*StartInterruption) Kind() Kind { return KindStartInterruption }

// StopInterruption tells every stage that the interrupting user turn ended.
type StopInterruption struct{ header }

// NewStopInterruption returns a StopInterruption frame.
func NewStopInterruption() *StopInterruption {
	return &StopInterruption{header: newHeader()}
}

// Kind implements [Frame].
func (*StopInterruption) Kind() Kind { return KindStopInterruption }

// EndOfTurn marks the completion of a user or assistant turn.
type EndOfTurn struct {
	header

	// Role is the author of the completed turn.
	Role Role

	// TurnID identifies the turn. Aggregators commit each TurnID at most once.
	TurnID uint64

	// Forced is true when the turn was closed by the silence timeout rather
	// than by a final transcript.
	Forced bool
}

// NewEndOfTurn returns an EndOfTurn frame.
func NewEndOfTurn(role Role, turnID uint64, forced bool) *EndOfTurn {
	return &EndOfTurn{header: newHeader(), Role: role, TurnID: turnID, Forced: forced}
}

// Kind implements [Frame].
func (*EndOfTurn) Kind() Kind { return KindEndOfTurn }

// Cancel aborts the current provider call of the generation and synthesis
// stages. Other stages ignore it.
type Cancel struct {
	header
	Reason string
}

// NewCancel returns a Cancel frame.
func NewCancel(reason string) *Cancel {
	return &Cancel{header: newHeader(), Reason: reason}
}

// Kind implements [Frame].
func (*Cancel) Kind() Kind { return KindCancel }

// EndOfStream marks the end of a stream. When Err is non-nil the stream ended
// because stage Origin failed; the session itself continues.
type EndOfStream struct {
	header
	Origin string
	Err    error
}

// NewEndOfStream returns an EndOfStream frame.
func NewEndOfStream(origin string, err error) *EndOfStream {
	return &EndOfStream{header: newHeader(), Origin: origin, Err: err}
}

// Kind implements [Frame].
func (*EndOfStream) Kind() Kind { return KindEndOfStream }
