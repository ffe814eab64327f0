package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/janerikasplund/discord-transcription/internal/config"
)

type envConfig struct {
	Env                    string `env:"ENV" envDefault:"production"`
	DiscordToken           string `env:"DISCORD_TOKEN,required"`
	DeepgramAPIKey         string `env:"DEEPGRAM_API_KEY,required"`
	OpenAIAPIKey           string `env:"OPENAI_API_KEY,required"`
	DatabaseURL            string `env:"DATABASE_URL,required"`
	OutputChannelID        string `env:"OUTPUT_CHANNEL_ID"`
	DefaultTextChannelName string `env:"DEFAULT_TEXT_CHANNEL_NAME" envDefault:"general"`
	MaxConcurrentSessions  int    `env:"MAX_CONCURRENT_SESSIONS" envDefault:"5"`
	MaxSessionDurationSec  int    `env:"MAX_SESSION_DURATION_SEC" envDefault:"3600"`
	AutoStartThreshold     int    `env:"AUTO_START_THRESHOLD" envDefault:"2"`
	TranscribeLanguage     string `env:"TRANSCRIBE_LANGUAGE" envDefault:"en-US"`
	DeepgramModel          string `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	OpenAIModel            string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	Keyterms               string `env:"KEYTERMS"`
	TranscriptWebhookURL   string `env:"TRANSCRIPT_WEBHOOK_URL"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                    raw.Env,
		DiscordToken:           raw.DiscordToken,
		DeepgramAPIKey:         raw.DeepgramAPIKey,
		OpenAIAPIKey:           raw.OpenAIAPIKey,
		DatabaseURL:            raw.DatabaseURL,
		OutputChannelID:        raw.OutputChannelID,
		DefaultTextChannelName: raw.DefaultTextChannelName,
		MaxConcurrentSessions:  raw.MaxConcurrentSessions,
		MaxSessionDurationSec:  raw.MaxSessionDurationSec,
		AutoStartThreshold:     raw.AutoStartThreshold,
		TranscribeLanguage:     raw.TranscribeLanguage,
		DeepgramModel:          raw.DeepgramModel,
		OpenAIModel:            raw.OpenAIModel,
		Keyterms:               splitKeyterms(raw.Keyterms),
		TranscriptWebhookURL:   raw.TranscriptWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitKeyterms(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}
