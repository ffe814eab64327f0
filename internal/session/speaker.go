package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janerikasplund/discord-transcription/internal/transcriber"
)

// minAudioBytes is the threshold below which a speaker stream's accumulated
// audio is treated as silence.
const minAudioBytes = 1024

// speakerStream bridges one speaker's audio to the transcription provider
// for the duration of one vocalization. A speaker has at most one live
// stream per session; cleanup runs at most once no matter how many
// termination signals race.
type speakerStream struct {
	userID      string
	displayName string
	sess        *Session

	// offsetBase rebases the provider's stream-relative fragment offsets
	// onto the session clock. Captured at open time.
	offsetBase time.Duration

	streamMu sync.Mutex
	stream   transcriber.Stream

	bytesIn atomic.Int64
	dropped atomic.Int64
	cleaned atomic.Bool
}

// startSpeakerStream opens a provider stream for userID. No-op if the
// speaker is not recordable, already recording, or the session is not active.
func (s *Session) startSpeakerStream(userID string) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	name, recordable := s.recordable[userID]
	if !recordable {
		s.mu.Unlock()
		return
	}
	if _, already := s.recording[userID]; already {
		s.mu.Unlock()
		return
	}
	ss := &speakerStream{
		userID:      userID,
		displayName: name,
		sess:        s,
		offsetBase:  time.Since(s.startedAt),
	}
	// Reserve the slot before the provider call so a racing second
	// speaking-start is a no-op.
	s.recording[userID] = ss
	s.mu.Unlock()

	stream, err := s.registry.transcriber.OpenStream(s.ctx, userID, ss)
	if err != nil {
		slog.Error("failed to open transcription stream", "error", err, "guild_id", s.guildID, "user_id", userID)
		s.removeRecording(userID)
		return
	}
	ss.setStream(stream)
	slog.Info("speaker stream opened", "guild_id", s.guildID, "user_id", userID, "offset", ss.offsetBase.Round(time.Millisecond))
}

func (ss *speakerStream) setStream(st transcriber.Stream) {
	ss.streamMu.Lock()
	ss.stream = st
	ss.streamMu.Unlock()
	// If a termination signal won the race against OpenStream returning,
	// close the provider connection now instead of leaking it.
	if ss.cleaned.Load() {
		if err := st.Finish(); err != nil {
			slog.Warn("failed to finish orphaned stream", "error", err, "user_id", ss.userID)
		}
	}
}

func (ss *speakerStream) currentStream() transcriber.Stream {
	ss.streamMu.Lock()
	defer ss.streamMu.Unlock()
	return ss.stream
}

// forward hands one opus frame to the provider. Frames arriving while the
// stream is not ready are dropped, not buffered; that is a logged condition,
// not an error.
func (ss *speakerStream) forward(frame []byte) {
	if ss.cleaned.Load() {
		return
	}
	st := ss.currentStream()
	if st == nil || !st.Ready() {
		if n := ss.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Info("dropping audio frames; stream not ready", "user_id", ss.userID, "dropped", n)
		}
		return
	}
	ss.bytesIn.Add(int64(len(frame)))
	if err := st.Send(frame); err != nil {
		slog.Warn("failed to forward audio frame", "error", err, "user_id", ss.userID)
	}
}

// OnFragment implements transcriber.ResultReceiver. Fragments landing after
// the cleanup latch closed are discarded.
func (ss *speakerStream) OnFragment(f transcriber.Fragment) {
	if ss.cleaned.Load() {
		return
	}
	if strings.TrimSpace(f.Text) == "" && strings.TrimSpace(f.Punctuated) == "" {
		return
	}
	f.SpeakerID = ss.userID
	f.Start += ss.offsetBase
	f.End += ss.offsetBase
	ss.sess.acc.Append(ss.displayName, f)
}

// OnClose implements transcriber.ResultReceiver.
func (ss *speakerStream) OnClose(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("transcription stream closed with error", "error", err, "user_id", ss.userID)
	}
	ss.cleanup(err)
}

// cleanup releases the stream's resources exactly once. Multiple termination
// signals (provider close, speaking end, session teardown) may race here;
// the latch lets the first one through and makes the rest no-ops.
func (ss *speakerStream) cleanup(cause error) {
	if !ss.cleaned.CompareAndSwap(false, true) {
		return
	}
	ss.sess.removeRecording(ss.userID)

	if st := ss.currentStream(); st != nil {
		if err := st.Finish(); err != nil {
			slog.Warn("failed to finish transcription stream", "error", err, "user_id", ss.userID)
		}
	}

	bytes := ss.bytesIn.Load()
	if bytes < minAudioBytes {
		slog.Debug("speaker stream closed with below-threshold audio; treated as silence",
			"user_id", ss.userID, "bytes", bytes)
	} else {
		slog.Info("speaker stream closed", "user_id", ss.userID, "bytes", bytes, "dropped_frames", ss.dropped.Load(), "cause", causeString(cause))
	}
}

func causeString(err error) string {
	if err == nil {
		return "end of speech"
	}
	return err.Error()
}
