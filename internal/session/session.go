package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janerikasplund/discord-transcription/internal/discord"
)

// errStoppedWhileConnecting reports a session that was stopped before its
// voice transport came up; the started-in-parallel finalizer owns teardown.
var errStoppedWhileConnecting = errors.New("session: stopped while connecting")

// State is the lifecycle phase of one recording session. Transitions only
// move forward; a finished session is never reused.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

type Trigger int

const (
	TriggerAutomatic Trigger = iota
	TriggerManual
)

func (t Trigger) String() string {
	if t == TriggerManual {
		return "manual"
	}
	return "automatic"
}

// Session records one voice channel in one guild. All mutable state is
// guarded by mu; recording is always a subset of recordable.
type Session struct {
	registry  *Registry
	guildID   string
	channelID string
	trigger   Trigger

	mu              sync.Mutex
	state           State
	conn            discord.VoiceConnection
	recordable      map[string]string // userID -> display name
	recording       map[string]*speakerStream
	startedAt       time.Time
	noticeMessageID string
	archiveID       string
	reconnecting    bool

	// disconnectedAt holds the unix-nano instant the transport reported a
	// drop, or 0 while healthy. Read by the watchdog.
	disconnectedAt atomic.Int64

	acc    *Accumulator
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(r *Registry, guildID, channelID string, trigger Trigger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		registry:   r,
		guildID:    guildID,
		channelID:  channelID,
		trigger:    trigger,
		state:      StateIdle,
		recordable: make(map[string]string),
		recording:  make(map[string]*speakerStream),
		acc:        NewAccumulator(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Session) GuildID() string   { return s.guildID }
func (s *Session) ChannelID() string { return s.channelID }
func (s *Session) Trigger() Trigger  { return s.trigger }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// connect drives Idle -> Connecting -> Active. On any failure the session
// holds no resources and the caller discards it.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()
	slog.Info("session connecting", "guild_id", s.guildID, "channel_id", s.channelID, "trigger", s.trigger.String())

	conn, err := s.registry.discord.JoinVoiceChannel(ctx, s.guildID, s.channelID)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateIdle
		}
		s.mu.Unlock()
		return err
	}

	participants, err := s.registry.discord.ListVoiceChannelParticipants(s.guildID, s.channelID)
	if err != nil {
		slog.Warn("failed to list participants at connect; starting with empty roster", "error", err, "guild_id", s.guildID)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// A stop raced the connect and won; the session must not come
		// back to life behind the finalizer.
		s.mu.Unlock()
		if err := conn.Disconnect(); err != nil {
			slog.Warn("failed to disconnect superseded voice transport", "error", err, "guild_id", s.guildID)
		}
		return errStoppedWhileConnecting
	}
	s.conn = conn
	s.startedAt = time.Now()
	for _, p := range participants {
		if p.IsBot {
			continue
		}
		s.recordable[p.UserID] = displayNameOrID(p)
	}
	s.state = StateActive
	s.mu.Unlock()

	conn.OnSpeaking(s.handleSpeaking)
	conn.OnStateChange(s.handleConnectionState)
	conn.ReceiveAudio(s.forwardFrame)

	slog.Info("session active", "guild_id", s.guildID, "channel_id", s.channelID, "recordable", len(participants))

	if msgID, err := s.registry.discord.SendChannelMessage(s.channelID, messageRecordingStarted); err != nil {
		slog.Warn("failed to post start notice", "error", err, "guild_id", s.guildID)
	} else {
		s.mu.Lock()
		s.noticeMessageID = msgID
		s.mu.Unlock()
	}
	return nil
}

func displayNameOrID(p discord.VoiceParticipant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

// handleVoiceState applies a membership change and reports the human count
// left in the recorded channel. Joins extend recordable; a join never starts
// a stream by itself (that is driven by the speaking event). Events arriving
// before the session is active report live=false: the roster is snapshotted
// at transport-ready, and the stop evaluation must never see the empty
// pre-connect roster.
func (s *Session) handleVoiceState(ev discord.VoiceStateEvent) (humans int, live bool) {
	if s.State() != StateActive {
		return 0, false
	}

	joined := ev.AfterChannelID == s.channelID
	left := ev.BeforeChannelID == s.channelID && ev.AfterChannelID != s.channelID

	var name string
	if joined {
		name = s.lookupDisplayName(ev.UserID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return 0, false
	}

	switch {
	case joined:
		if _, ok := s.recordable[ev.UserID]; !ok {
			s.recordable[ev.UserID] = name
			slog.Info("member joined recorded channel", "guild_id", s.guildID, "user_id", ev.UserID, "recordable", len(s.recordable))
		}
	case left:
		delete(s.recordable, ev.UserID)
		if ss, ok := s.recording[ev.UserID]; ok {
			// Drop the slot here, under the lock, so recording never
			// outlives recordable; the stream teardown runs async.
			delete(s.recording, ev.UserID)
			go ss.cleanup(nil)
		}
		slog.Info("member left recorded channel", "guild_id", s.guildID, "user_id", ev.UserID, "recordable", len(s.recordable))
	}
	return len(s.recordable), true
}

// lookupDisplayName must not be called with mu held: the participant lookup
// can fall back to a REST call on a state-cache miss.
func (s *Session) lookupDisplayName(userID string) string {
	participants, err := s.registry.discord.ListVoiceChannelParticipants(s.guildID, s.channelID)
	if err != nil {
		return userID
	}
	for _, p := range participants {
		if p.UserID == userID {
			return displayNameOrID(p)
		}
	}
	return userID
}

// shouldStop reports whether the remaining human count ends this session.
// Automatic sessions stop when one human is left; manual sessions only when
// the channel is empty.
func (s *Session) shouldStop(humanCount int) bool {
	if s.trigger == TriggerAutomatic {
		return humanCount <= 1
	}
	return humanCount == 0
}

func (s *Session) handleSpeaking(ev discord.SpeakingEvent) {
	if ev.Speaking {
		s.startSpeakerStream(ev.UserID)
		return
	}
	s.mu.Lock()
	ss := s.recording[ev.UserID]
	s.mu.Unlock()
	if ss != nil {
		ss.cleanup(nil)
	}
}

func (s *Session) forwardFrame(userID string, frame []byte) {
	s.mu.Lock()
	ss := s.recording[userID]
	s.mu.Unlock()
	if ss == nil {
		return
	}
	ss.forward(frame)
}

func (s *Session) handleConnectionState(state discord.ConnectionState) {
	switch state {
	case discord.ConnectionReady:
		s.disconnectedAt.Store(0)
	case discord.ConnectionReconnecting:
		slog.Info("voice transport reconnecting", "guild_id", s.guildID)
	case discord.ConnectionDisconnected:
		s.disconnectedAt.Store(time.Now().UnixNano())
		go s.tryReconnect()
	}
}

// tryReconnect makes one bounded reconnect attempt. Failure forces the
// session into finalization instead of silently dropping it.
func (s *Session) tryReconnect() {
	s.mu.Lock()
	if s.state != StateActive || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	conn := s.conn
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.registry.reconnectTimeout)
	defer cancel()
	err := conn.Reconnect(ctx)

	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()

	if err != nil {
		slog.Error("voice reconnect failed; stopping session", "error", err, "guild_id", s.guildID)
		s.registry.StopSession(s.guildID, stopReasonConnectionLost)
		return
	}
	s.disconnectedAt.Store(0)
	slog.Info("voice transport reconnected", "guild_id", s.guildID)
}

// beginFinalize moves the session into Finalizing. Returns false if it was
// already finalizing (stop is idempotent).
func (s *Session) beginFinalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinalizing {
		return false
	}
	s.state = StateFinalizing
	return true
}

func (s *Session) removeRecording(userID string) {
	s.mu.Lock()
	delete(s.recording, userID)
	s.mu.Unlock()
}

// activeStreams snapshots the live speaker streams for teardown.
func (s *Session) activeStreams() []*speakerStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	streams := make([]*speakerStream, 0, len(s.recording))
	for _, ss := range s.recording {
		streams = append(streams, ss)
	}
	return streams
}

func (s *Session) participantNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.recordable))
	for _, name := range s.recordable {
		names = append(names, name)
	}
	return names
}

// transportStaleSince returns how long the transport has been down, or zero
// while healthy.
func (s *Session) transportStaleSince(now time.Time) time.Duration {
	at := s.disconnectedAt.Load()
	if at == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, at))
}
