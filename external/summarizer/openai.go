package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	summarizerpkg "github.com/janerikasplund/discord-transcription/internal/summarizer"
)

const (
	summaryMaxTokens = 1024
	titleMaxTokens   = 32

	summarySystemPrompt = "You summarize meeting transcripts from a voice conversation. " +
		"Write a concise markdown summary with a short section per topic discussed, " +
		"using '### ' headings. Attribute decisions and action items to speakers by name. " +
		"Do not invent content that is not in the transcript."

	titleSystemPrompt = "Generate a short descriptive title (at most eight words) for the " +
		"meeting summary you are given. Respond with the title only: no quotes, no markdown, " +
		"no trailing punctuation."
)

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type OpenAISummarizer struct {
	client oai.Client
	model  string
}

func NewOpenAISummarizer(cfg OpenAIConfig) summarizerpkg.Summarizer {
	return &OpenAISummarizer{
		client: oai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	slog.Info("requesting transcript summary", "model", s.model, "transcript_bytes", len(transcript))
	return s.complete(ctx, summarySystemPrompt, transcript, summaryMaxTokens)
}

func (s *OpenAISummarizer) Title(ctx context.Context, summary string) (string, error) {
	title, err := s.complete(ctx, titleSystemPrompt, summary, titleMaxTokens)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(title), `"`), nil
}

func (s *OpenAISummarizer) complete(ctx context.Context, systemPrompt, userContent string, maxTokens int64) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(userContent),
		},
		MaxCompletionTokens: param.NewOpt(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("openai: empty completion content")
	}
	return content, nil
}
