package summarizer

import "context"

type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
	Title(ctx context.Context, summary string) (string, error)
}
