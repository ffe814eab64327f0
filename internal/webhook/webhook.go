package webhook

import "context"

const TranscriptWebhookSchemaVersion = 1

type TranscriptWebhookPayload struct {
	SchemaVersion   int      `json:"schema_version"`
	SessionID       string   `json:"session_id"`
	GuildID         string   `json:"guild_id"`
	ChannelID       string   `json:"channel_id"`
	StartAt         string   `json:"start_at"`
	EndAt           string   `json:"end_at"`
	DurationSeconds int64    `json:"duration_seconds"`
	Participants    []string `json:"participants"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	Transcript      string   `json:"transcript"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptWebhookPayload) error
}
