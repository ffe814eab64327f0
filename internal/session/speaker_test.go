package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/janerikasplund/discord-transcription/internal/discord"
	"github.com/janerikasplund/discord-transcription/internal/transcriber"
)

func TestStartSpeakerStream_SecondSpeakingStartIsNoOp(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	conn.speak("user-1", true)

	if f.tr.opens() != 1 {
		t.Fatalf("expected one provider stream, got %d", f.tr.opens())
	}
}

func TestStartSpeakerStream_IgnoresNonRecordable(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)

	f.dc.conn().speak("user-unknown", true)

	if f.tr.opens() != 0 {
		t.Fatalf("expected no stream for an unknown speaker, got %d", f.tr.opens())
	}
}

func TestStartSpeakerStream_OpenFailureReleasesSlot(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	f.tr.mu.Lock()
	f.tr.openErr = errors.New("provider unavailable")
	f.tr.mu.Unlock()
	conn.speak("user-1", true)

	f.tr.mu.Lock()
	f.tr.openErr = nil
	f.tr.mu.Unlock()
	conn.speak("user-1", true)

	if f.tr.opens() != 2 {
		t.Fatalf("expected a retry after the failed open, got %d opens", f.tr.opens())
	}
	if f.tr.stream("user-1") == nil {
		t.Fatal("expected a live stream after the retry")
	}
}

func TestForward_SendsFramesToStream(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	conn.frame("user-1", make([]byte, 120))
	conn.frame("user-1", make([]byte, 120))

	if got := f.tr.stream("user-1").frames(); got != 2 {
		t.Fatalf("expected two forwarded frames, got %d", got)
	}
}

func TestForward_DropsWhenStreamNotReady(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	st := f.tr.stream("user-1")
	st.setReady(false)
	conn.frame("user-1", make([]byte, 120))

	if got := st.frames(); got != 0 {
		t.Fatalf("expected frame to be dropped, got %d sends", got)
	}
}

func TestForward_IgnoresNonRecordingUser(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)

	// user-2 never spoke; frames for them have nowhere to go.
	f.dc.conn().frame("user-2", make([]byte, 120))

	if f.tr.opens() != 0 {
		t.Fatalf("expected no stream, got %d", f.tr.opens())
	}
}

func TestOnFragment_RebasesOffsetsOntoSessionClock(t *testing.T) {
	f := newTestFixture()
	s := f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	conn.speak("user-2", true)

	// alice's stream opened 30s into the session; bob's at the start. A
	// stream-relative 2s from alice is later on the session clock than a
	// stream-relative 5s from bob.
	s.mu.Lock()
	s.recording["user-1"].offsetBase = 30 * time.Second
	s.recording["user-2"].offsetBase = 0
	s.mu.Unlock()

	f.tr.receiver("user-1").OnFragment(transcriber.Fragment{Text: "closing remark", Start: 2 * time.Second, End: 3 * time.Second})
	f.tr.receiver("user-2").OnFragment(transcriber.Fragment{Text: "opening remark", Start: 5 * time.Second, End: 6 * time.Second})

	doc := s.acc.Drain()
	if len(doc.Blocks) != 2 {
		t.Fatalf("expected two blocks, got %d", len(doc.Blocks))
	}
	if doc.Blocks[0].SpeakerName != "bob" || doc.Blocks[1].SpeakerName != "alice" {
		t.Fatalf("expected session-clock ordering, got %+v", doc.Blocks)
	}
}

func TestOnFragment_DiscardedAfterCleanup(t *testing.T) {
	f := newTestFixture()
	s := f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	conn.speak("user-1", false)

	f.tr.receiver("user-1").OnFragment(transcriber.Fragment{Text: "too late", Start: time.Second})

	if got := s.acc.Len(); got != 0 {
		t.Fatalf("expected the late fragment to be discarded, got %d", got)
	}
}

func TestSpeakingStop_FinishesStreamOnce(t *testing.T) {
	f := newTestFixture()
	s := f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	st := f.tr.stream("user-1")

	conn.speak("user-1", false)
	conn.speak("user-1", false)
	f.tr.receiver("user-1").OnClose(nil)

	if got := st.finishes(); got != 1 {
		t.Fatalf("expected exactly one finish, got %d", got)
	}
	s.mu.Lock()
	_, stillRecording := s.recording["user-1"]
	s.mu.Unlock()
	if stillRecording {
		t.Fatal("expected the recording slot to be released")
	}
}

func TestSpeakingStopThenRestart_OpensFreshStream(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerAutomatic)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	conn.speak("user-1", false)
	conn.speak("user-1", true)

	if f.tr.opens() != 2 {
		t.Fatalf("expected a fresh stream per vocalization, got %d opens", f.tr.opens())
	}
}

func TestMemberLeave_TearsDownActiveStream(t *testing.T) {
	f := newTestFixture()
	f.startTestSession(t, TriggerManual)
	conn := f.dc.conn()

	conn.speak("user-1", true)
	st := f.tr.stream("user-1")

	f.registry.HandleVoiceStateUpdate(voiceLeave("guild-1", "user-1", "vc-1"))

	deadline := time.Now().Add(2 * time.Second)
	for st.finishes() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the leaver's stream to be finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !f.registry.IsActive("guild-1") {
		t.Fatal("manual session must keep running with one human left")
	}
}

// TestRecording_AlwaysSubsetOfRecordable drives a seeded random sequence of
// membership and speaking events and checks after every step that nobody is
// being recorded without being in the channel roster.
func TestRecording_AlwaysSubsetOfRecordable(t *testing.T) {
	f := newTestFixture()
	s := f.startTestSession(t, TriggerManual)
	conn := f.dc.conn()

	users := []string{"user-1", "user-2", "user-3", "user-4"}
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 500; step++ {
		u := users[rng.Intn(len(users))]
		switch rng.Intn(4) {
		case 0:
			f.registry.HandleVoiceStateUpdate(discord.VoiceStateEvent{
				GuildID:        "guild-1",
				UserID:         u,
				AfterChannelID: "vc-1",
			})
		case 1:
			f.registry.HandleVoiceStateUpdate(voiceLeave("guild-1", u, "vc-1"))
		case 2:
			conn.speak(u, true)
		case 3:
			conn.speak(u, false)
		}

		s.mu.Lock()
		for id := range s.recording {
			if _, ok := s.recordable[id]; !ok {
				s.mu.Unlock()
				t.Fatalf("step %d: %s is recorded but not recordable", step, id)
			}
		}
		s.mu.Unlock()

		if !f.registry.IsActive("guild-1") {
			break
		}
	}
	f.registry.finalizeWG.Wait()
}
