package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/RichardoC/chat-relay/internal/db"
	"github.com/RichardoC/chat-relay/internal/llm"
	"github.com/RichardoC/chat-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type sent struct {
	conversationID int64
	text           string
}

type fakeMessenger struct {
	mu        sync.Mutex
	sent      []sent
	typing    int
	typingErr error
	sendErr   error
}

func (m *fakeMessenger) SendMessage(_ context.Context, conversationID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{conversationID: conversationID, text: text})
	return m.sendErr
}

func (m *fakeMessenger) SendTyping(_ context.Context, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return m.typingErr
}

type fakeInference struct {
	history []models.ChatMessage
	reply   string
	err     error
}

func (f *fakeInference) Chat(_ context.Context, history []models.ChatMessage) (models.ChatMessage, error) {
	f.history = history
	if f.err != nil {
		return models.ChatMessage{}, f.err
	}
	return models.ChatMessage{Role: models.RoleAssistant, Content: f.reply}, nil
}

// panickingInference fails the way a malformed client response would.
type panickingInference struct{}

func (panickingInference) Chat(context.Context, []models.ChatMessage) (models.ChatMessage, error) {
	var resp *models.ChatMessage
	return *resp, nil
}

type panickingDeleteRepo struct {
	models.HistoryRepository
}

func (panickingDeleteRepo) DeleteAllForConversation(context.Context, int64) error {
	panic("connection pool exhausted")
}

// failingRepo wraps a real repository and fails selected operations.
type failingRepo struct {
	models.HistoryRepository
	saveErrOnRole models.Role
	fetchErr      error
	deleteErr     error
}

func (r *failingRepo) Save(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if r.saveErrOnRole != "" && msg.Role == r.saveErrOnRole {
		return msg, errors.New("disk I/O error")
	}
	return r.HistoryRepository.Save(ctx, msg)
}

func (r *failingRepo) FetchLastN(ctx context.Context, conversationID int64, n int) ([]models.Message, error) {
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	return r.HistoryRepository.FetchLastN(ctx, conversationID, n)
}

func (r *failingRepo) DeleteAllForConversation(ctx context.Context, conversationID int64) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	return r.HistoryRepository.DeleteAllForConversation(ctx, conversationID)
}

type fixture struct {
	repo      *db.Database
	inference *fakeInference
	messenger *fakeMessenger
	logs      *observer.ObservedLogs
	handler   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	core, logs := observer.New(zap.DebugLevel)
	f := &fixture{
		repo:      database,
		inference: &fakeInference{reply: "hello!"},
		messenger: &fakeMessenger{},
		logs:      logs,
	}
	f.handler = NewHandler(database, f.inference, f.messenger, zap.New(core))
	return f
}

func (f *fixture) stored(t *testing.T, conversationID int64) []models.Message {
	t.Helper()
	msgs, err := f.repo.FetchLastN(context.Background(), conversationID, 100)
	require.NoError(t, err)
	return msgs
}

func TestRespond_PersistsTurnAndRelaysReply(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.handler.Respond(context.Background(), 42, "hello"))

	assert.Equal(t, []sent{{conversationID: 42, text: "hello!"}}, f.messenger.sent)
	assert.Equal(t, 1, f.messenger.typing)
	assert.Equal(t, []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}}, f.inference.history)

	msgs := f.stored(t, 42)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello!", msgs[1].Content)
	assert.Equal(t, 1, f.logs.FilterMessage("Turn completed").Len())
}

func TestRespond_WindowIsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		_, err := f.repo.Save(context.Background(), &models.Message{
			ConversationID: 7,
			Role:           models.RoleUser,
			Content:        fmt.Sprintf("old %d", i),
		})
		require.NoError(t, err)
	}

	require.NoError(t, f.handler.Respond(context.Background(), 7, "latest"))

	require.Len(t, f.inference.history, WindowSize)
	assert.Equal(t, "old 3", f.inference.history[0].Content)
	assert.Equal(t, "latest", f.inference.history[WindowSize-1].Content)
}

func TestRespond_InferenceFailure(t *testing.T) {
	f := newFixture(t)
	f.inference.err = errors.New("connection refused")

	err := f.handler.Respond(context.Background(), 42, "hello")

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, StageInference, turnErr.Stage)
	assert.Equal(t, []sent{{conversationID: 42, text: FailureNotice}}, f.messenger.sent)

	msgs := f.stored(t, 42)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	failures := f.logs.FilterMessage("Turn failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "inference", failures[0].ContextMap()["stage"])
}

func TestRespond_EmptyModelResponse(t *testing.T) {
	f := newFixture(t)
	f.inference.err = llm.ErrEmptyResponse

	err := f.handler.Respond(context.Background(), 1, "hi")

	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
	assert.Equal(t, []sent{{conversationID: 1, text: FailureNotice}}, f.messenger.sent)
}

func TestRespond_StorageFailures(t *testing.T) {
	tests := []struct {
		name      string
		repo      func(models.HistoryRepository) *failingRepo
		wantStage Stage
		wantCalls bool
	}{
		{
			name: "save user message",
			repo: func(inner models.HistoryRepository) *failingRepo {
				return &failingRepo{HistoryRepository: inner, saveErrOnRole: models.RoleUser}
			},
			wantStage: StageSaveUser,
		},
		{
			name: "fetch window",
			repo: func(inner models.HistoryRepository) *failingRepo {
				return &failingRepo{HistoryRepository: inner, fetchErr: errors.New("database is locked")}
			},
			wantStage: StageFetchWindow,
		},
		{
			name: "save reply",
			repo: func(inner models.HistoryRepository) *failingRepo {
				return &failingRepo{HistoryRepository: inner, saveErrOnRole: models.RoleAssistant}
			},
			wantStage: StageSaveReply,
			wantCalls: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			handler := NewHandler(tt.repo(f.repo), f.inference, f.messenger, zap.NewNop())

			err := handler.Respond(context.Background(), 3, "hi")

			var turnErr *TurnError
			require.ErrorAs(t, err, &turnErr)
			assert.Equal(t, tt.wantStage, turnErr.Stage)
			assert.Equal(t, []sent{{conversationID: 3, text: FailureNotice}}, f.messenger.sent)
			assert.Equal(t, tt.wantCalls, f.inference.history != nil)
		})
	}
}

func TestRespond_TypingFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.messenger.typingErr = errors.New("too many requests")

	require.NoError(t, f.handler.Respond(context.Background(), 5, "hi"))

	assert.Equal(t, []sent{{conversationID: 5, text: "hello!"}}, f.messenger.sent)
	assert.Equal(t, 1, f.logs.FilterMessage("Failed to send typing indicator").Len())
}

func TestRespond_DeliveryFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.messenger.sendErr = errors.New("chat not found")

	err := f.handler.Respond(context.Background(), 5, "hi")

	require.Error(t, err)
	assert.Len(t, f.messenger.sent, 1, "no failure notice after a delivery error")
	assert.Len(t, f.stored(t, 5), 2)
	assert.Equal(t, 1, f.logs.FilterMessage("Failed to deliver reply").Len())
}

func TestReset_ClearsHistoryAndGreets(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handler.Respond(context.Background(), 42, "hi"))
	require.NoError(t, f.handler.Respond(context.Background(), 43, "other"))
	f.messenger.sent = nil

	require.NoError(t, f.handler.Reset(context.Background(), 42))

	assert.Empty(t, f.stored(t, 42))
	assert.Len(t, f.stored(t, 43), 2)
	assert.Equal(t, []sent{{conversationID: 42, text: Greeting}}, f.messenger.sent)
}

func TestReset_DeleteFailure(t *testing.T) {
	f := newFixture(t)
	repo := &failingRepo{HistoryRepository: f.repo, deleteErr: errors.New("disk full")}
	handler := NewHandler(repo, f.inference, f.messenger, zap.NewNop())

	err := handler.Reset(context.Background(), 42)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, StageReset, turnErr.Stage)
	assert.Equal(t, []sent{{conversationID: 42, text: FailureNotice}}, f.messenger.sent)
}

func TestHandle_Dispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.handler.Handle(ctx, Inbound{ConversationID: 1, Text: "hi"})
	f.handler.Handle(ctx, Inbound{ConversationID: 1, Text: "   "})
	f.handler.Handle(ctx, Inbound{ConversationID: 1, Text: "/start", Command: "start"})

	assert.Equal(t, []sent{
		{conversationID: 1, text: "hello!"},
		{conversationID: 1, text: Greeting},
	}, f.messenger.sent)
	assert.Empty(t, f.stored(t, 1))

	f.handler.Handle(ctx, Inbound{ConversationID: 1, Text: "/reset", Command: "reset"})
	f.handler.Handle(ctx, Inbound{ConversationID: 1, Text: "/help", Command: "help"})
	msgs := f.stored(t, 1)
	require.Len(t, msgs, 2)
	assert.Equal(t, "/help", msgs[0].Content)
}

func TestHandle_InferencePanicBecomesFailureNotice(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.DebugLevel)
	handler := NewHandler(f.repo, panickingInference{}, f.messenger, zap.New(core))

	require.NotPanics(t, func() {
		handler.Handle(context.Background(), Inbound{ConversationID: 9, Text: "hi"})
	})

	assert.Equal(t, []sent{{conversationID: 9, text: FailureNotice}}, f.messenger.sent)
	assert.Len(t, f.stored(t, 9), 1)

	failures := logs.FilterMessage("Turn failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "inference", failures[0].ContextMap()["stage"])
}

func TestReset_PanicBecomesFailureNotice(t *testing.T) {
	f := newFixture(t)
	handler := NewHandler(panickingDeleteRepo{HistoryRepository: f.repo}, f.inference, f.messenger, zap.NewNop())

	var err error
	require.NotPanics(t, func() {
		err = handler.Reset(context.Background(), 3)
	})

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, StageReset, turnErr.Stage)
	assert.ErrorContains(t, err, "connection pool exhausted")
	assert.Equal(t, []sent{{conversationID: 3, text: FailureNotice}}, f.messenger.sent)
}

func TestRespond_KeepsReplyVerbatim(t *testing.T) {
	f := newFixture(t)
	f.inference.reply = "\n  indented code:\n    x := 1\n"

	require.NoError(t, f.handler.Respond(context.Background(), 4, "show me"))

	assert.Equal(t, []sent{{conversationID: 4, text: f.inference.reply}}, f.messenger.sent)
	msgs := f.stored(t, 4)
	require.Len(t, msgs, 2)
	assert.Equal(t, f.inference.reply, msgs[1].Content)
}
