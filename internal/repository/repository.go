package repository

import "context"

type Repository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	UpdateSessionCompleted(ctx context.Context, input CompleteSessionInput) error
	SaveSessionOutput(ctx context.Context, input SaveSessionOutputInput) error
	ListRunningSessions(ctx context.Context) ([]Session, error)
}
