package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/janerikasplund/discord-transcription/internal/config"
	"github.com/janerikasplund/discord-transcription/internal/discord"
	"github.com/janerikasplund/discord-transcription/internal/repository"
	"github.com/janerikasplund/discord-transcription/internal/summarizer"
	"github.com/janerikasplund/discord-transcription/internal/transcriber"
	"github.com/janerikasplund/discord-transcription/internal/webhook"
)

var (
	ErrSessionLimit   = errors.New("session: concurrent session limit reached")
	ErrConnectTimeout = errors.New("session: voice connect timed out")
)

const (
	defaultConnectTimeout     = 20 * time.Second
	defaultReconnectTimeout   = 5 * time.Second
	defaultMembershipDebounce = 500 * time.Millisecond
	defaultSettleDelay        = 2 * time.Second
	defaultWatchdogInterval   = 60 * time.Second
	defaultFinalizeTimeout    = 5 * time.Minute
)

// Registry is the process-wide directory of active sessions: one session per
// guild, capped globally. It is the single entry point for starting and
// stopping recordings, from any trigger path.
type Registry struct {
	cfg         *config.Config
	discord     discord.Client
	transcriber transcriber.Transcriber
	summarizer  summarizer.Summarizer
	repo        repository.Repository
	webhook     webhook.Sender

	mu        sync.Mutex
	sessions  map[string]*Session // guildID -> session
	botUserID string

	// Timing knobs, defaulted from the constants above. Tests shrink them.
	connectTimeout     time.Duration
	reconnectTimeout   time.Duration
	membershipDebounce time.Duration
	settleDelay        time.Duration
	watchdogInterval   time.Duration
	finalizeTimeout    time.Duration

	finalizeWG   sync.WaitGroup
	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

func NewRegistry(cfg *config.Config, dc discord.Client, stt transcriber.Transcriber, sum summarizer.Summarizer, repo repository.Repository, wh webhook.Sender) *Registry {
	return &Registry{
		cfg:                cfg,
		discord:            dc,
		transcriber:        stt,
		summarizer:         sum,
		repo:               repo,
		webhook:            wh,
		sessions:           make(map[string]*Session),
		connectTimeout:     defaultConnectTimeout,
		reconnectTimeout:   defaultReconnectTimeout,
		membershipDebounce: defaultMembershipDebounce,
		settleDelay:        defaultSettleDelay,
		watchdogInterval:   defaultWatchdogInterval,
		finalizeTimeout:    defaultFinalizeTimeout,
	}
}

func (r *Registry) SetBotUserID(id string) {
	r.mu.Lock()
	r.botUserID = id
	r.mu.Unlock()
}

// StartSession starts recording guildID's channelID. Starting a guild that is
// already recording is an idempotent no-op returning the existing session.
// The guild slot is reserved before connecting so concurrent triggers cannot
// double-start; a failed connect releases it.
func (r *Registry) StartSession(ctx context.Context, guildID, channelID string, trigger Trigger) (*Session, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[guildID]; ok {
		r.mu.Unlock()
		slog.Info("session already active; start is a no-op", "guild_id", guildID)
		return existing, nil
	}
	if len(r.sessions) >= r.cfg.MaxConcurrentSessions {
		r.mu.Unlock()
		slog.Warn("session limit reached; rejecting start", "guild_id", guildID, "limit", r.cfg.MaxConcurrentSessions)
		return nil, ErrSessionLimit
	}
	s := newSession(r, guildID, channelID, trigger)
	r.sessions[guildID] = s
	r.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	if err := s.connect(connectCtx); err != nil {
		r.mu.Lock()
		delete(r.sessions, guildID)
		r.mu.Unlock()
		s.cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}

	r.archiveSessionStart(s)
	return s, nil
}

// StopSession is idempotent: stopping a guild with no active session is a
// no-op. The registry entry is removed synchronously, before any finalization
// work begins, so a late membership event cannot observe a stale session.
func (r *Registry) StopSession(guildID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[guildID]
	if ok {
		delete(r.sessions, guildID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if !s.beginFinalize() {
		return
	}
	slog.Info("stopping session", "guild_id", guildID, "reason", reason)
	r.finalizeWG.Add(1)
	go r.finalize(s, reason)
}

func (r *Registry) IsActive(guildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[guildID]
	return ok
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) lookup(guildID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[guildID]
}

// HandleVoiceStateUpdate is the membership-change trigger path. With no
// session in the guild, a join may auto-start one after a debounce and
// recount; with a live session, membership churn may auto-stop it.
func (r *Registry) HandleVoiceStateUpdate(ev discord.VoiceStateEvent) {
	r.mu.Lock()
	self := ev.UserID == r.botUserID
	r.mu.Unlock()

	if self {
		// The bot being moved out of the channel ends the recording.
		if ev.AfterChannelID == "" && r.IsActive(ev.GuildID) {
			r.StopSession(ev.GuildID, stopReasonBotRemoved)
		}
		return
	}
	if ev.UserIsBot {
		return
	}

	if s := r.lookup(ev.GuildID); s != nil {
		humans, live := s.handleVoiceState(ev)
		if live && s.shouldStop(humans) {
			r.StopSession(ev.GuildID, stopReasonParticipantsLeft)
		}
		return
	}

	if ev.AfterChannelID == "" {
		return
	}
	go r.debouncedAutoStart(ev.GuildID, ev.AfterChannelID)
}

// debouncedAutoStart waits out gateway event jitter, then recounts humans in
// the channel and starts an automatic session at the threshold.
func (r *Registry) debouncedAutoStart(guildID, channelID string) {
	time.Sleep(r.membershipDebounce)
	if r.IsActive(guildID) {
		return
	}
	participants, err := r.discord.ListVoiceChannelParticipants(guildID, channelID)
	if err != nil {
		slog.Error("failed to count channel participants", "error", err, "guild_id", guildID, "channel_id", channelID)
		return
	}
	humans := 0
	for _, p := range participants {
		if !p.IsBot {
			humans++
		}
	}
	if humans < r.cfg.AutoStartThreshold {
		return
	}
	if _, err := r.StartSession(context.Background(), guildID, channelID, TriggerAutomatic); err != nil {
		if errors.Is(err, ErrSessionLimit) {
			slog.Warn("auto-start rejected by session limit", "guild_id", guildID)
			return
		}
		slog.Error("auto-start failed", "error", err, "guild_id", guildID, "channel_id", channelID)
	}
}

func SlashCommandDefinitions() []discord.SlashCommandDefinition {
	return []discord.SlashCommandDefinition{
		{Name: slashCommandRecord, Description: slashCommandRecordDescription},
		{Name: slashCommandStop, Description: slashCommandStopDescription},
	}
}

// HandleSlashCommand is the manual trigger path.
func (r *Registry) HandleSlashCommand(ev discord.SlashCommandEvent) {
	switch ev.CommandName {
	case slashCommandRecord:
		r.handleRecordCommand(ev)
	case slashCommandStop:
		if !r.IsActive(ev.GuildID) {
			_ = ev.RespondEphemeral(messageEphemeralNotRunning)
			return
		}
		r.StopSession(ev.GuildID, stopReasonManualStop)
		_ = ev.RespondEphemeral(messageEphemeralStopped)
	default:
		_ = ev.RespondEphemeral(messageEphemeralUnknownCommand)
	}
}

func (r *Registry) handleRecordCommand(ev discord.SlashCommandEvent) {
	vcID, err := r.discord.GetUserVoiceChannelID(ev.GuildID, ev.UserID)
	if err != nil {
		slog.Error("failed to look up user voice channel", "error", err, "guild_id", ev.GuildID, "user_id", ev.UserID)
		_ = ev.RespondEphemeral(messageEphemeralStartFailed)
		return
	}
	if vcID == "" {
		_ = ev.RespondEphemeral(messageEphemeralJoinVCFirst)
		return
	}
	if r.IsActive(ev.GuildID) {
		_ = ev.RespondEphemeral(messageEphemeralAlreadyRunning)
		return
	}
	if _, err := r.StartSession(context.Background(), ev.GuildID, vcID, TriggerManual); err != nil {
		switch {
		case errors.Is(err, ErrSessionLimit):
			_ = ev.RespondEphemeral(messageEphemeralSessionLimit)
		default:
			slog.Error("manual start failed", "error", err, "guild_id", ev.GuildID)
			_ = ev.RespondEphemeral(messageEphemeralStartFailed)
		}
		return
	}
	_ = ev.RespondEphemeral(":red_circle: **Recording started in <#" + vcID + ">.**")
}

// StartWatchdog launches the background scan that force-stops over-length or
// stale-transport sessions.
func (r *Registry) StartWatchdog() {
	r.watchdogStop = make(chan struct{})
	r.watchdogDone = make(chan struct{})
	go r.watchdogLoop()
}

func (r *Registry) watchdogLoop() {
	defer close(r.watchdogDone)
	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.watchdogStop:
			return
		case <-ticker.C:
			r.watchdogScan(time.Now())
		}
	}
}

func (r *Registry) watchdogScan(now time.Time) {
	maxDuration := time.Duration(r.cfg.MaxSessionDurationSec) * time.Second

	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	for _, s := range snapshot {
		if elapsed := now.Sub(s.StartedAt()); elapsed > maxDuration {
			slog.Warn("watchdog: session exceeded max duration", "guild_id", s.guildID, "elapsed", elapsed.Round(time.Second))
			if _, err := r.discord.SendChannelMessage(s.channelID, stopNotice(stopReasonMaxDuration)); err != nil {
				slog.Warn("failed to post watchdog notice", "error", err, "guild_id", s.guildID)
			}
			r.StopSession(s.guildID, stopReasonMaxDuration)
			continue
		}
		if stale := s.transportStaleSince(now); stale > r.watchdogInterval {
			slog.Warn("watchdog: transport stale", "guild_id", s.guildID, "stale_for", stale.Round(time.Second))
			if _, err := r.discord.SendChannelMessage(s.channelID, stopNotice(stopReasonConnectionLost)); err != nil {
				slog.Warn("failed to post watchdog notice", "error", err, "guild_id", s.guildID)
			}
			r.StopSession(s.guildID, stopReasonConnectionLost)
		}
	}
}

// SweepOrphans closes archive rows left running by a previous process.
func (r *Registry) SweepOrphans(ctx context.Context) {
	if r.repo == nil {
		return
	}
	orphans, err := r.repo.ListRunningSessions(ctx)
	if err != nil {
		slog.Error("failed to list orphan sessions", "error", err)
		return
	}
	for _, o := range orphans {
		slog.Warn("closing orphan session from previous run", "session_id", o.ID, "guild_id", o.GuildID)
		if err := r.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{SessionID: o.ID, EndedAt: time.Now()}); err != nil {
			slog.Error("failed to close orphan session", "error", err, "session_id", o.ID)
		}
	}
}

// Shutdown stops the watchdog, ends every active session through the normal
// finalization path, and waits (bounded by ctx) for finalizations to finish.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.watchdogStop != nil {
		close(r.watchdogStop)
		<-r.watchdogDone
	}

	r.mu.Lock()
	guilds := make([]string, 0, len(r.sessions))
	for g := range r.sessions {
		guilds = append(guilds, g)
	}
	r.mu.Unlock()
	for _, g := range guilds {
		r.StopSession(g, stopReasonServerClosed)
	}

	done := make(chan struct{})
	go func() {
		r.finalizeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timed out waiting for finalization")
	}
}

func (r *Registry) archiveSessionStart(s *Session) {
	if r.repo == nil {
		return
	}
	created, err := r.repo.CreateSession(context.Background(), repository.CreateSessionInput{
		GuildID:   s.guildID,
		ChannelID: s.channelID,
		Trigger:   s.trigger.String(),
		StartedAt: s.StartedAt(),
	})
	if err != nil {
		slog.Error("failed to archive session start", "error", err, "guild_id", s.guildID)
		return
	}
	s.mu.Lock()
	s.archiveID = created.ID
	s.mu.Unlock()
}
