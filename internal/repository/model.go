package repository

import "time"

const (
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
)

type Session struct {
	ID        string
	GuildID   string
	ChannelID string
	Trigger   string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string
}

type CreateSessionInput struct {
	GuildID   string
	ChannelID string
	Trigger   string
	StartedAt time.Time
}

type CompleteSessionInput struct {
	SessionID string
	EndedAt   time.Time
}

type SaveSessionOutputInput struct {
	SessionID  string
	Title      string
	Summary    string
	Transcript string
}
