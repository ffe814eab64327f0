package webhook

import (
	"github.com/samber/do/v2"

	"github.com/janerikasplund/discord-transcription/internal/config"
	webhookpkg "github.com/janerikasplund/discord-transcription/internal/webhook"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (webhookpkg.Sender, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPSender(c.TranscriptWebhookURL), nil
	})
}
