package transcriber

import (
	"github.com/janerikasplund/discord-transcription/internal/config"
	transcriberpkg "github.com/janerikasplund/discord-transcription/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriberpkg.Transcriber, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewDeepgramTranscriber(DeepgramConfig{
			APIKey:   c.DeepgramAPIKey,
			Model:    c.DeepgramModel,
			Language: c.TranscribeLanguage,
			Keyterms: c.Keyterms,
		}), nil
	})
}
