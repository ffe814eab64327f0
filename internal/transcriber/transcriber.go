package transcriber

import (
	"context"
	"time"
)

// Fragment is one recognized utterance chunk from the provider. Offsets are
// relative to the provider stream's own start; callers that merge fragments
// across streams must rebase them onto a shared clock.
type Fragment struct {
	SpeakerID  string
	Text       string
	Punctuated string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

type ResultReceiver interface {
	OnFragment(f Fragment)
	// OnClose fires exactly once when the provider stream ends, with a nil
	// error on graceful close.
	OnClose(err error)
}

type Stream interface {
	// Send forwards one opus frame. Frames sent while the stream is not ready
	// are dropped by the caller, not buffered.
	Send(opusFrame []byte) error
	Ready() bool
	// Finish flushes pending audio and closes the stream gracefully.
	// Safe to call more than once.
	Finish() error
}

type Transcriber interface {
	OpenStream(ctx context.Context, speakerID string, receiver ResultReceiver) (Stream, error)
}
