package stt

// Transcript is a speech-to-text result. Partial and final results share the
// type.
type Transcript struct {
	// Text is the transcribed speech.
	Text string

	// IsFinal distinguishes committed text from an interim guess.
	IsFinal bool

	// EndOfTurn is set by providers with server-side turn detection when the
	// final closes the user's turn.
	EndOfTurn bool

	// Confidence is the overall confidence (0.0–1.0), zero when unreported.
	Confidence float64
}

// KeywordBoost raises the recognition probability of a word.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
