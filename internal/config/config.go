package config

import "fmt"

type Config struct {
	Env                    string
	DiscordToken           string
	DeepgramAPIKey         string
	OpenAIAPIKey           string
	DatabaseURL            string
	OutputChannelID        string
	DefaultTextChannelName string
	MaxConcurrentSessions  int
	MaxSessionDurationSec  int
	AutoStartThreshold     int
	TranscribeLanguage     string
	DeepgramModel          string
	OpenAIModel            string
	Keyterms               []string
	TranscriptWebhookURL   string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive, got %d", c.MaxConcurrentSessions)
	}
	if c.MaxSessionDurationSec <= 0 {
		return fmt.Errorf("MAX_SESSION_DURATION_SEC must be positive, got %d", c.MaxSessionDurationSec)
	}
	if c.AutoStartThreshold < 2 {
		return fmt.Errorf("AUTO_START_THRESHOLD must be at least 2, got %d", c.AutoStartThreshold)
	}
	if c.OutputChannelID == "" && c.DefaultTextChannelName == "" {
		return fmt.Errorf("either OUTPUT_CHANNEL_ID or DEFAULT_TEXT_CHANNEL_NAME is required")
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "DEEPGRAM_API_KEY", value: c.DeepgramAPIKey},
		{name: "OPENAI_API_KEY", value: c.OpenAIAPIKey},
		{name: "DATABASE_URL", value: c.DatabaseURL},
		{name: "TRANSCRIBE_LANGUAGE", value: c.TranscribeLanguage},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
