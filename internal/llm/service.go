package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/chat-relay/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// ErrEmptyResponse means the model answered without any usable content.
var ErrEmptyResponse = errors.New("empty model response")

// Generator is the slice of langchaingo's llms.Model the service needs.
type Generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

type Config struct {
	Provider      Provider
	Model         string
	OllamaURL     string
	OpenAIBaseURL string
	OpenAIToken   string
	// Timeout bounds a single Chat call; zero leaves it unbounded.
	Timeout time.Duration
	// SystemPrompt is sent ahead of the history when non-empty.
	SystemPrompt string
}

type Service struct {
	llm          Generator
	model        string
	timeout      time.Duration
	systemPrompt string
}

func New(cfg Config) (*Service, error) {
	var (
		llm Generator
		err error
	)
	switch cfg.Provider {
	case ProviderOllama, "":
		llm, err = ollama.New(
			ollama.WithServerURL(cfg.OllamaURL),
			ollama.WithModel(cfg.Model),
		)
	case ProviderOpenAI:
		llm, err = openai.New(
			openai.WithToken(cfg.OpenAIToken),
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s client: %w", cfg.Provider, err)
	}
	return NewWithGenerator(llm, cfg), nil
}

// NewWithGenerator wraps an already constructed model client.
func NewWithGenerator(llm Generator, cfg Config) *Service {
	return &Service{
		llm:          llm,
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		systemPrompt: cfg.SystemPrompt,
	}
}

func (s *Service) Model() string {
	return s.model
}

// Chat sends the ordered history to the model and waits for one complete
// reply.
func (s *Service) Chat(ctx context.Context, history []models.ChatMessage) (models.ChatMessage, error) {
	content := make([]llms.MessageContent, 0, len(history)+1)
	if s.systemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt))
	}
	for _, m := range history {
		role, err := messageType(m.Role)
		if err != nil {
			return models.ChatMessage{}, err
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.llm.GenerateContent(ctx, content, llms.WithModel(s.model))
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return models.ChatMessage{}, ErrEmptyResponse
	}

	reply := resp.Choices[0].Content
	if strings.TrimSpace(reply) == "" {
		return models.ChatMessage{}, ErrEmptyResponse
	}
	return models.ChatMessage{Role: models.RoleAssistant, Content: reply}, nil
}

func messageType(role models.Role) (llms.ChatMessageType, error) {
	switch role {
	case models.RoleUser:
		return llms.ChatMessageTypeHuman, nil
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI, nil
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem, nil
	default:
		return "", fmt.Errorf("unsupported message role: %q", role)
	}
}
