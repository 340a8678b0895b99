// Package naming derives short display titles for sessions from their first
// user message. An LLM path is used when an API key is configured; a
// content-based heuristic always works as the fallback.
package naming

import (
	"context"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

var logger = log.GetLogger("naming")

// RequestTimeout bounds the titling call; naming runs off the message path
// and must never hold a session hostage.
const RequestTimeout = 10 * time.Second

const maxTitleLen = 48

const titlePrompt = "Reply with a title of at most six words for a coding session that starts with the following user message. Reply with the title only, no quotes, no trailing punctuation."

// Service produces session titles.
type Service struct {
	client *openai.Client
	model  string
}

// NewService builds a titler. With an empty apiKey the LLM path is disabled
// and only the heuristic is used.
func NewService(apiKey, baseURL, model string) *Service {
	s := &Service{model: model}
	if apiKey == "" {
		return s
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	s.client = openai.NewClientWithConfig(cfg)
	return s
}

// NameSession returns a short title for a session whose first user message is
// content. LLM errors fall back to the heuristic.
func (s *Service) NameSession(ctx context.Context, content string) string {
	if s.client == nil {
		return HeuristicName(content)
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: truncate(content, 2000)},
		},
		MaxTokens:   32,
		Temperature: 0.2,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("titling request failed, using heuristic")
		return HeuristicName(content)
	}
	if len(resp.Choices) == 0 {
		return HeuristicName(content)
	}

	title := cleanTitle(resp.Choices[0].Message.Content)
	if title == "" {
		return HeuristicName(content)
	}
	return title
}

// HeuristicName derives a title from the message content itself: the first
// meaningful line, markdown markers stripped, clipped to a few words.
func HeuristicName(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "#>*- \t")
		line = strings.Trim(line, "`")
		if line == "" {
			continue
		}

		words := strings.Fields(line)
		if len(words) > 6 {
			words = words[:6]
		}
		return truncate(strings.Join(words, " "), maxTitleLen)
	}
	return "New Session"
}

func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.TrimRight(title, ".")
	return truncate(title, maxTitleLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
