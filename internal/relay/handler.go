package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/chat-relay/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// WindowSize bounds how many trailing messages are sent to the model.
	WindowSize = 10

	Greeting      = "Hi! I'm AI chat bot"
	FailureNotice = "Error occurred during response generating"
)

// Inbound is a text update from the messaging platform. Command holds the
// bot command without its leading slash, or is empty.
type Inbound struct {
	ConversationID int64
	Text           string
	Command        string
}

type Messenger interface {
	SendMessage(ctx context.Context, conversationID int64, text string) error
	SendTyping(ctx context.Context, conversationID int64) error
}

type Inference interface {
	Chat(ctx context.Context, history []models.ChatMessage) (models.ChatMessage, error)
}

type Handler struct {
	repo      models.HistoryRepository
	llm       Inference
	messenger Messenger
	logger    *zap.Logger
}

func NewHandler(repo models.HistoryRepository, llm Inference, messenger Messenger, logger *zap.Logger) *Handler {
	return &Handler{
		repo:      repo,
		llm:       llm,
		messenger: messenger,
		logger:    logger,
	}
}

// Handle dispatches one inbound update. Failures are logged and reported
// to the user; nothing is returned to the polling loop.
func (h *Handler) Handle(ctx context.Context, in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Recovered panic outside a turn",
				zap.Int64("conversation_id", in.ConversationID),
				zap.Any("panic", r))
		}
	}()

	switch in.Command {
	case "start", "reset":
		_ = h.Reset(ctx, in.ConversationID)
	default:
		if strings.TrimSpace(in.Text) == "" {
			return
		}
		_ = h.Respond(ctx, in.ConversationID, in.Text)
	}
}

// Reset wipes the conversation history and greets the user.
func (h *Handler) Reset(ctx context.Context, conversationID int64) error {
	logger := h.turnLogger(conversationID)

	if err := h.deleteHistory(ctx, conversationID); err != nil {
		h.fail(ctx, logger, conversationID, err)
		return err
	}
	logger.Info("Conversation reset")

	if err := h.messenger.SendMessage(ctx, conversationID, Greeting); err != nil {
		logger.Error("Failed to send greeting", zap.Error(err))
		return fmt.Errorf("send greeting: %w", err)
	}
	return nil
}

// Respond runs one turn: persist the user message, send the trailing
// window to the model, persist and relay the reply. Messages saved before
// a failure stay saved.
func (h *Handler) Respond(ctx context.Context, conversationID int64, text string) error {
	logger := h.turnLogger(conversationID)
	start := time.Now()

	reply, err := h.turn(ctx, logger, conversationID, text)
	if err != nil {
		h.fail(ctx, logger, conversationID, err)
		return err
	}

	if err := h.messenger.SendMessage(ctx, conversationID, reply); err != nil {
		logger.Error("Failed to deliver reply", zap.Error(err))
		return fmt.Errorf("deliver reply: %w", err)
	}

	logger.Info("Turn completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("reply_length", len(reply)))
	return nil
}

func (h *Handler) deleteHistory(ctx context.Context, conversationID int64) (err error) {
	stage := StageReset
	defer recoverStage(conversationID, &stage, &err)
	if err := h.repo.DeleteAllForConversation(ctx, conversationID); err != nil {
		return &TurnError{ConversationID: conversationID, Stage: StageReset, Err: err}
	}
	return nil
}

func (h *Handler) turn(ctx context.Context, logger *zap.Logger, conversationID int64, text string) (_ string, err error) {
	stage := StageSaveUser
	defer recoverStage(conversationID, &stage, &err)

	userMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        text,
	}
	if _, err := h.repo.Save(ctx, userMsg); err != nil {
		return "", &TurnError{ConversationID: conversationID, Stage: StageSaveUser, Err: err}
	}

	stage = StageFetchWindow
	window, err := h.repo.FetchLastN(ctx, conversationID, WindowSize)
	if err != nil {
		return "", &TurnError{ConversationID: conversationID, Stage: StageFetchWindow, Err: err}
	}
	logger.Debug("Window assembled", zap.Int("messages", len(window)))

	if err := h.messenger.SendTyping(ctx, conversationID); err != nil {
		logger.Warn("Failed to send typing indicator", zap.Error(err))
	}

	stage = StageInference
	reply, err := h.llm.Chat(ctx, models.ChatMessages(window))
	if err != nil {
		return "", &TurnError{ConversationID: conversationID, Stage: StageInference, Err: err}
	}

	stage = StageSaveReply
	assistantMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        reply.Content,
	}
	if _, err := h.repo.Save(ctx, assistantMsg); err != nil {
		return "", &TurnError{ConversationID: conversationID, Stage: StageSaveReply, Err: err}
	}

	return reply.Content, nil
}

// recoverStage turns a panic raised during *stage into a TurnError. It must
// be deferred directly.
func recoverStage(conversationID int64, stage *Stage, err *error) {
	if r := recover(); r != nil {
		*err = &TurnError{ConversationID: conversationID, Stage: *stage, Err: fmt.Errorf("panic: %v", r)}
	}
}

func (h *Handler) fail(ctx context.Context, logger *zap.Logger, conversationID int64, err error) {
	fields := []zap.Field{zap.Error(err)}
	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		fields = append(fields, zap.String("stage", string(turnErr.Stage)))
	}
	logger.Error("Turn failed", fields...)

	if sendErr := h.messenger.SendMessage(ctx, conversationID, FailureNotice); sendErr != nil {
		logger.Error("Failed to send failure notice", zap.Error(sendErr))
	}
}

func (h *Handler) turnLogger(conversationID int64) *zap.Logger {
	return h.logger.With(
		zap.Int64("conversation_id", conversationID),
		zap.String("turn_id", uuid.NewString()),
	)
}
