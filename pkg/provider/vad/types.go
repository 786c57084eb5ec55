package vad

// Decision is the per-frame classification.
type Decision int

const (
	// Silence means the frame carries no speech.
	Silence Decision = iota

	// Speech means the frame carries speech.
	Speech
)

// String returns the decision name.
func (d Decision) String() string {
	if d == Speech {
		return "speech"
	}
	return "silence"
}

// Result is the outcome of classifying one frame.
type Result struct {
	Decision Decision

	// Level is the raw detector level for the frame in the engine's scale.
	Level float64
}

// IsSpeech reports whether the frame was classified as speech.
func (r Result) IsSpeech() bool { return r.Decision == Speech }
