package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/janerikasplund/discord-transcription/internal/discord"
	"github.com/janerikasplund/discord-transcription/internal/repository"
	"github.com/janerikasplund/discord-transcription/internal/webhook"
)

const messageCharLimit = 1950

// finalize converts the session's accumulated fragments into a delivered
// summary and transcript file. Each step fails independently; cleanup runs
// unconditionally no matter which step failed.
func (r *Registry) finalize(s *Session, reason string) {
	defer r.finalizeWG.Done()
	defer r.cleanupSession(s)

	// Let in-flight provider callbacks land before collecting fragments.
	time.Sleep(r.settleDelay)

	ctx, cancel := context.WithTimeout(context.Background(), r.finalizeTimeout)
	defer cancel()

	if _, err := r.discord.SendChannelMessage(s.channelID, stopNotice(reason)); err != nil {
		slog.Warn("failed to post stop notice", "error", err, "guild_id", s.guildID)
	}

	doc := s.acc.Drain()
	outputChannel := r.outputChannel(s)

	if doc.Empty() {
		slog.Info("session produced no transcript", "guild_id", s.guildID)
		if _, err := r.discord.SendChannelMessage(outputChannel, messageNoSpeech); err != nil {
			slog.Warn("failed to post no-speech notice", "error", err, "guild_id", s.guildID)
		}
		return
	}

	transcript := doc.Render()
	filename := transcriptFilename(s.StartedAt())

	summary, err := r.summarizer.Summarize(ctx, transcript)
	if err != nil {
		slog.Error("summarization failed; delivering raw transcript", "error", err, "guild_id", s.guildID)
		body := messageSummaryFailed
		if excerpt := sectionPrefix(transcript, messageCharLimit-len(body)-2); excerpt != "" {
			body += "\n\n" + excerpt
		}
		if sendErr := r.discord.SendChannelMessageWithFile(discord.FileMessage{
			ChannelID: outputChannel,
			Content:   body,
			Filename:  filename,
			FileBody:  []byte(transcript),
		}); sendErr != nil {
			slog.Error("failed to deliver raw transcript", "error", sendErr, "guild_id", s.guildID)
		}
		r.archiveSessionOutput(ctx, s, "", "", transcript)
		return
	}

	title, err := r.summarizer.Title(ctx, summary)
	if err != nil {
		slog.Warn("title generation failed; using fallback", "error", err, "guild_id", s.guildID)
		title = fallbackTitle(time.Now())
	}
	title = strings.TrimSpace(title)

	rendered := "## " + title + "\n\n" + summary
	for i, chunk := range splitSections(rendered, messageCharLimit) {
		if i > 0 {
			chunk = messageOverflowContinue + "\n\n" + chunk
		}
		if _, err := r.discord.SendChannelMessage(outputChannel, chunk); err != nil {
			slog.Error("failed to deliver summary chunk", "error", err, "guild_id", s.guildID, "chunk", i)
		}
	}
	if err := r.discord.SendChannelMessageWithFile(discord.FileMessage{
		ChannelID: outputChannel,
		Content:   ":page_facing_up: **Full transcript**",
		Filename:  filename,
		FileBody:  []byte(transcript),
	}); err != nil {
		slog.Error("failed to deliver transcript file", "error", err, "guild_id", s.guildID)
	}

	r.archiveSessionOutput(ctx, s, title, summary, transcript)
	r.sendWebhook(ctx, s, title, summary, transcript)
	slog.Info("session finalized", "guild_id", s.guildID, "blocks", len(doc.Blocks))
}

// cleanupSession releases everything the session holds. It is safe against
// partial construction and runs exactly once per session (finalize is only
// entered once, through StopSession).
func (r *Registry) cleanupSession(s *Session) {
	streams := s.activeStreams()
	if len(streams) > 0 {
		g := new(errgroup.Group)
		for _, ss := range streams {
			g.Go(func() error {
				ss.cleanup(nil)
				return nil
			})
		}
		waitBounded(g, r.finalizeTimeout, s.guildID)
	}

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateIdle
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("failed to disconnect voice transport", "error", err, "guild_id", s.guildID)
		}
	}
	s.cancel()

	// Idempotent here; the entry was already removed in StopSession.
	r.mu.Lock()
	if r.sessions[s.guildID] == s {
		delete(r.sessions, s.guildID)
	}
	r.mu.Unlock()

	r.archiveSessionEnd(s)
	slog.Info("session cleaned up", "guild_id", s.guildID)
}

// waitBounded waits for the group but never indefinitely: past the bound we
// proceed with partial teardown and log a warning.
func waitBounded(g *errgroup.Group, bound time.Duration, guildID string) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(bound):
		slog.Warn("stream teardown exceeded bound; proceeding", "guild_id", guildID, "bound", bound)
	}
}

func (r *Registry) outputChannel(s *Session) string {
	if r.cfg.OutputChannelID != "" {
		return r.cfg.OutputChannelID
	}
	id, err := r.discord.FindTextChannelByName(s.guildID, r.cfg.DefaultTextChannelName)
	if err != nil || id == "" {
		slog.Warn("output channel lookup failed; falling back to voice channel chat",
			"error", err, "guild_id", s.guildID, "channel_name", r.cfg.DefaultTextChannelName)
		return s.channelID
	}
	return id
}

func (r *Registry) archiveSessionOutput(ctx context.Context, s *Session, title, summary, transcript string) {
	if r.repo == nil || s.archiveID == "" {
		return
	}
	if err := r.repo.SaveSessionOutput(ctx, repository.SaveSessionOutputInput{
		SessionID:  s.archiveID,
		Title:      title,
		Summary:    summary,
		Transcript: transcript,
	}); err != nil {
		slog.Error("failed to archive session output", "error", err, "session_id", s.archiveID)
	}
}

func (r *Registry) archiveSessionEnd(s *Session) {
	if r.repo == nil || s.archiveID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{
		SessionID: s.archiveID,
		EndedAt:   time.Now(),
	}); err != nil {
		slog.Error("failed to mark session completed", "error", err, "session_id", s.archiveID)
	}
}

func (r *Registry) sendWebhook(ctx context.Context, s *Session, title, summary, transcript string) {
	if r.webhook == nil {
		return
	}
	startedAt := s.StartedAt()
	endedAt := time.Now()
	payload := webhook.TranscriptWebhookPayload{
		SchemaVersion:   webhook.TranscriptWebhookSchemaVersion,
		SessionID:       s.archiveID,
		GuildID:         s.guildID,
		ChannelID:       s.channelID,
		StartAt:         startedAt.Format(time.RFC3339),
		EndAt:           endedAt.Format(time.RFC3339),
		DurationSeconds: int64(endedAt.Sub(startedAt).Seconds()),
		Participants:    s.participantNames(),
		Title:           title,
		Summary:         summary,
		Transcript:      transcript,
	}
	if err := r.webhook.SendTranscript(ctx, payload); err != nil {
		slog.Error("failed to send transcript webhook", "error", err, "guild_id", s.guildID)
	}
}

// splitSections splits content into messages no longer than limit, breaking
// only at section boundaries (markdown headings or bold-line attribution
// headers). A section that alone exceeds the limit is returned whole and
// logged as an overflow rather than truncated.
func splitSections(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	sections := sectionize(content)

	// Chunks after the first carry a "(continued)" marker; reserve room.
	continuedOverhead := len(messageOverflowContinue) + 2

	var chunks []string
	var current strings.Builder
	effectiveLimit := limit
	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
		effectiveLimit = limit - continuedOverhead
	}

	for _, sec := range sections {
		joined := current.Len() + len("\n\n") + len(sec)
		if current.Len() > 0 && joined > effectiveLimit {
			flush()
		}
		if current.Len() == 0 && len(sec) > effectiveLimit {
			// Oversize section: sent whole, never split mid-section.
			slog.Warn("section exceeds message bound; sending whole", "section_bytes", len(sec), "limit", limit)
			chunks = append(chunks, sec)
			effectiveLimit = limit - continuedOverhead
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(sec)
	}
	flush()
	return chunks
}

// sectionPrefix returns the longest run of leading sections that fits limit,
// or "" when not even the first section fits. Used for best-effort excerpts
// where the full text travels as an attachment anyway.
func sectionPrefix(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	var b strings.Builder
	for _, sec := range sectionize(content) {
		joined := b.Len() + len(sec)
		if b.Len() > 0 {
			joined += len("\n\n")
		}
		if joined > limit {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sec)
	}
	return b.String()
}

// sectionize splits markdown text at heading boundaries. Text before the
// first heading forms its own section.
func sectionize(content string) []string {
	lines := strings.Split(content, "\n")
	var sections []string
	var current []string
	for _, line := range lines {
		if isSectionHeader(line) && len(current) > 0 {
			sections = append(sections, strings.TrimRight(strings.Join(current, "\n"), "\n"))
			current = nil
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		sections = append(sections, strings.TrimRight(strings.Join(current, "\n"), "\n"))
	}
	return sections
}

func isSectionHeader(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return true
	}
	// Bold-only lines ("**Topic**") act as headers in generated summaries.
	return len(trimmed) > 4 && strings.HasPrefix(trimmed, "**") && strings.HasSuffix(trimmed, "**")
}
