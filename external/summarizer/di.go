package summarizer

import (
	"github.com/janerikasplund/discord-transcription/internal/config"
	summarizerpkg "github.com/janerikasplund/discord-transcription/internal/summarizer"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (summarizerpkg.Summarizer, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewOpenAISummarizer(OpenAIConfig{
			APIKey: c.OpenAIAPIKey,
			Model:  c.OpenAIModel,
		}), nil
	})
}
