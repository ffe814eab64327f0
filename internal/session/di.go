package session

import (
	"github.com/janerikasplund/discord-transcription/internal/config"
	"github.com/janerikasplund/discord-transcription/internal/discord"
	"github.com/janerikasplund/discord-transcription/internal/repository"
	"github.com/janerikasplund/discord-transcription/internal/summarizer"
	"github.com/janerikasplund/discord-transcription/internal/transcriber"
	"github.com/janerikasplund/discord-transcription/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Registry, error) {
		cfg := do.MustInvoke[*config.Config](i)
		dc := do.MustInvoke[discord.Client](i)
		stt := do.MustInvoke[transcriber.Transcriber](i)
		sum := do.MustInvoke[summarizer.Summarizer](i)
		repo := do.MustInvoke[repository.Repository](i)
		wh := do.MustInvoke[webhook.Sender](i)
		return NewRegistry(cfg, dc, stt, sum, repo, wh), nil
	})
}
