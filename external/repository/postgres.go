package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/janerikasplund/discord-transcription/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (guild_id, channel_id, trigger_kind, started_at, status)
		 VALUES ($1, $2, $3, $4, 'running')
		 RETURNING id, guild_id, channel_id, trigger_kind, started_at, ended_at, status`,
		input.GuildID, input.ChannelID, input.Trigger, input.StartedAt)
	var s repository.Session
	var endedAt *time.Time
	err := row.Scan(&s.ID, &s.GuildID, &s.ChannelID, &s.Trigger, &s.StartedAt, &endedAt, &s.Status)
	if err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}

func (r *PostgresRepository) UpdateSessionCompleted(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'completed', ended_at = $2 WHERE id = $1`,
		input.SessionID, input.EndedAt)
	return err
}

func (r *PostgresRepository) SaveSessionOutput(ctx context.Context, input repository.SaveSessionOutputInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_outputs (session_id, title, summary, transcript)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET
		   title = EXCLUDED.title,
		   summary = EXCLUDED.summary,
		   transcript = EXCLUDED.transcript`,
		input.SessionID, input.Title, input.Summary, input.Transcript)
	return err
}

func (r *PostgresRepository) ListRunningSessions(ctx context.Context) ([]repository.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, guild_id, channel_id, trigger_kind, started_at, ended_at, status
		 FROM sessions WHERE status = 'running'
		 ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.Session
	for rows.Next() {
		var s repository.Session
		var endedAt *time.Time
		if err := rows.Scan(&s.ID, &s.GuildID, &s.ChannelID, &s.Trigger, &s.StartedAt, &endedAt, &s.Status); err != nil {
			return nil, err
		}
		s.EndedAt = endedAt
		list = append(list, s)
	}
	return list, rows.Err()
}
