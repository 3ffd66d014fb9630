package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/relay"
	"chat-relay/internal/telemetry"
)

type mockLLM struct {
	source     relay.Source
	streamErr  error
	flagged    bool
	moderr     error
	model      string
	messages   []domain.ChatMessage
	props      map[string]string
	streamCall int
	modCall    int
}

func (m *mockLLM) StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (relay.Source, error) {
	m.streamCall++
	m.model = model
	m.messages = messages
	m.props = telemetry.AssociationProperties(ctx)
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.source, nil
}

func (m *mockLLM) Moderate(_ context.Context, _ string) (bool, error) {
	m.modCall++
	return m.flagged, m.moderr
}

type mockStore struct {
	turnCount    int
	turnCountErr error
	createErrAt  int // fail the n-th CreateMessage call (1-based); 0 never
	completeErr  error
	created      []domain.Message
	completed    []domain.Message
	turnLookups  int
}

func (m *mockStore) CreateMessage(_ context.Context, msg domain.Message) error {
	m.created = append(m.created, msg)
	if m.createErrAt == len(m.created) {
		return errors.New("conditional check failed")
	}
	return nil
}

func (m *mockStore) CompleteMessage(_ context.Context, msg domain.Message) error {
	m.completed = append(m.completed, msg)
	return m.completeErr
}

func (m *mockStore) GetTurnCount(_ context.Context, _ string) (int, error) {
	m.turnLookups++
	return m.turnCount, m.turnCountErr
}

// failingSource yields its fragments and then fails.
type failingSource struct {
	fragments []relay.Fragment
	err       error
	closed    bool
}

func (s *failingSource) Recv() (relay.Fragment, error) {
	if len(s.fragments) == 0 {
		return relay.Fragment{}, s.err
	}
	f := s.fragments[0]
	s.fragments = s.fragments[1:]
	return f, nil
}

func (s *failingSource) Close() error {
	s.closed = true
	return nil
}

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(telemetry.NewAssociationSpanProcessor()),
		sdktrace.WithSpanProcessor(rec),
	)
	return rec, tp
}

func newTestService(t *testing.T, llm LLMClient, store ChatStore, cfg Config) *ChatService {
	t.Helper()
	svc, err := NewChatService(llm, store, cfg)
	require.NoError(t, err)
	return svc
}

func expectTurnError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	_, err := NewChatService(nil, &mockStore{}, Config{})
	require.Error(t, err)

	_, err = NewChatService(&mockLLM{}, nil, Config{})
	require.Error(t, err)
}

func TestNewChatService_Defaults(t *testing.T) {
	svc := newTestService(t, &mockLLM{}, &mockStore{}, Config{})
	require.Equal(t, "gpt-4o-mini", svc.cfg.Model)
	require.Equal(t, defaultSystemPrompt, svc.cfg.SystemPrompt)
	require.Equal(t, 2000, svc.cfg.MaxContentLen)
	require.Equal(t, 50, svc.cfg.MaxTurns)
	require.False(t, svc.cfg.Moderation)
}

func TestTurn_HappyPath(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("👋", "", "bye")}
	store := &mockStore{}
	svc := newTestService(t, llm, store, Config{})
	var body bytes.Buffer

	turn, err := svc.Start(context.Background(), TurnInput{Content: " hello ", UserID: "user-1", ChatID: "chat-1"}, &body)
	require.NoError(t, err)
	require.Equal(t, "chat-1", turn.ChatID())
	require.NotEmpty(t, turn.MessageID())
	require.Empty(t, body.String(), "nothing is written before Run")

	out, err := turn.Run()
	require.NoError(t, err)
	require.Equal(t, "👋bye", out.Content)
	require.Equal(t, "👋bye", body.String())
	require.Equal(t, 2, out.Tokens)
	require.Equal(t, "chat-1", out.ChatID)
	require.Equal(t, turn.MessageID(), out.MessageID)

	require.Equal(t, "gpt-4o-mini", llm.model)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: defaultSystemPrompt},
		{Role: domain.RoleUser, Content: " hello "},
	}, llm.messages)
	require.Equal(t, 1, store.turnLookups)
	require.Zero(t, llm.modCall)

	require.Len(t, store.created, 2)
	require.Equal(t, "user", store.created[0].Author)
	require.Equal(t, " hello ", store.created[0].Content)
	require.Equal(t, domain.StatusComplete, store.created[0].Status)
	require.Equal(t, "assistant", store.created[1].Author)
	require.Equal(t, domain.StatusStreaming, store.created[1].Status)
	require.Equal(t, out.MessageID, store.created[1].MessageID)

	require.Len(t, store.completed, 1)
	require.Equal(t, "👋bye", store.completed[0].Content)
	require.Equal(t, domain.StatusComplete, store.completed[0].Status)
}

func TestTurn_RunTwiceFinalizesOnce(t *testing.T) {
	store := &mockStore{}
	svc := newTestService(t, &mockLLM{source: relay.Deltas("a", "b")}, store, Config{})

	turn, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	require.NoError(t, err)

	first, err := turn.Run()
	require.NoError(t, err)
	second, err := turn.Run()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, store.completed, 1)
}

func TestStart_DefaultsIdentifiers(t *testing.T) {
	old := newUUID
	newUUID = func() string { return "generated-chat" }
	t.Cleanup(func() { newUUID = old })

	llm := &mockLLM{source: relay.Deltas("ok")}
	store := &mockStore{}
	svc := newTestService(t, llm, store, Config{})

	turn, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, "generated-chat", turn.ChatID())
	require.Zero(t, store.turnLookups, "a new chat has no turns to count")
	require.Equal(t, map[string]string{"user_id": "anonymous", "chat_id": "generated-chat"}, llm.props)
}

func TestStart_AttachesCorrelationPropertiesToOutboundRequest(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("ok")}
	svc := newTestService(t, llm, &mockStore{}, Config{})

	_, err := svc.Start(context.Background(), TurnInput{Content: "hi", UserID: "u-42", ChatID: "c-7"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"user_id": "u-42", "chat_id": "c-7"}, llm.props)
}

func TestStart_ValidationErrors(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("ok")}
	svc := newTestService(t, llm, &mockStore{}, Config{MaxContentLen: 10})

	_, err := svc.Start(context.Background(), TurnInput{Content: "   "}, io.Discard)
	expectTurnError(t, err, ErrorInvalidInput, "empty_content")

	_, err = svc.Start(context.Background(), TurnInput{Content: strings.Repeat("a", 11)}, io.Discard)
	expectTurnError(t, err, ErrorInvalidInput, "content_too_long")
	require.Zero(t, llm.streamCall)
}

func TestStart_RejectsOversizedIdentifiers(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("ok")}
	store := &mockStore{}
	svc := newTestService(t, llm, store, Config{})

	_, err := svc.Start(context.Background(), TurnInput{Content: "hi", ChatID: strings.Repeat("c", 129)}, io.Discard)
	expectTurnError(t, err, ErrorInvalidInput, "chat_id_too_long")

	_, err = svc.Start(context.Background(), TurnInput{Content: "hi", UserID: strings.Repeat("u", 129)}, io.Discard)
	expectTurnError(t, err, ErrorInvalidInput, "user_id_too_long")

	require.Zero(t, store.turnLookups)
	require.Empty(t, store.created)
	require.Zero(t, llm.streamCall)

	_, err = svc.Start(context.Background(), TurnInput{Content: "hi", UserID: strings.Repeat("u", 128), ChatID: strings.Repeat("c", 128)}, io.Discard)
	require.NoError(t, err)
}

func TestStart_ChatTurnLimit(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("ok")}
	store := &mockStore{turnCount: 3}
	svc := newTestService(t, llm, store, Config{MaxTurns: 3})

	_, err := svc.Start(context.Background(), TurnInput{Content: "hi", ChatID: "c-1"}, io.Discard)
	expectTurnError(t, err, ErrorInvalidInput, "chat_turn_limit")
	require.Zero(t, llm.streamCall)
	require.Empty(t, store.created)
}

func TestStart_StoreErrors(t *testing.T) {
	svc := newTestService(t, &mockLLM{source: relay.Deltas("ok")}, &mockStore{turnCountErr: errors.New("meta read failed")}, Config{})
	_, err := svc.Start(context.Background(), TurnInput{Content: "hi", ChatID: "c-1"}, io.Discard)
	expectTurnError(t, err, ErrorInternal, "dynamodb_turn_count_error")

	svc = newTestService(t, &mockLLM{source: relay.Deltas("ok")}, &mockStore{createErrAt: 1}, Config{})
	_, err = svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	expectTurnError(t, err, ErrorInternal, "dynamodb_write_error")

	llm := &mockLLM{source: relay.Deltas("ok")}
	svc = newTestService(t, llm, &mockStore{createErrAt: 2}, Config{})
	_, err = svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	expectTurnError(t, err, ErrorInternal, "dynamodb_write_error")
	require.Zero(t, llm.streamCall)
}

func TestStart_ModerationErrors(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("ok"), flagged: true}
	svc := newTestService(t, llm, &mockStore{}, Config{Moderation: true})
	_, err := svc.Start(context.Background(), TurnInput{Content: "unsafe"}, io.Discard)
	expectTurnError(t, err, ErrorInvalidQuestion, "moderation_flagged")
	require.Zero(t, llm.streamCall)

	svc = newTestService(t, &mockLLM{moderr: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}, &mockStore{}, Config{Moderation: true})
	_, err = svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	expectTurnError(t, err, ErrorUpstream, "moderation_error")

	svc = newTestService(t, &mockLLM{moderr: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}, &mockStore{}, Config{Moderation: true})
	_, err = svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	expectTurnError(t, err, ErrorRateLimited, "moderation_rate_limited")
}

func TestStart_ModerationPasses(t *testing.T) {
	llm := &mockLLM{source: relay.Deltas("ok")}
	svc := newTestService(t, llm, &mockStore{}, Config{Moderation: true})
	_, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, 1, llm.modCall)
	require.Equal(t, 1, llm.streamCall)
}

func TestStart_OpenAIErrors(t *testing.T) {
	svc := newTestService(t, &mockLLM{streamErr: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}, &mockStore{}, Config{})
	_, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	expectTurnError(t, err, ErrorRateLimited, "openai_rate_limited")

	svc = newTestService(t, &mockLLM{streamErr: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}, &mockStore{}, Config{})
	_, err = svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	expectTurnError(t, err, ErrorUpstream, "openai_error")
}

func TestRun_SourceFailureSkipsFinalize(t *testing.T) {
	src := &failingSource{
		fragments: []relay.Fragment{{Delta: "par"}, {Delta: "tial"}},
		err:       errors.New("connection reset"),
	}
	store := &mockStore{}
	svc := newTestService(t, &mockLLM{source: src}, store, Config{})
	var body bytes.Buffer

	turn, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, &body)
	require.NoError(t, err)
	out, err := turn.Run()
	expectTurnError(t, err, ErrorUpstream, "openai_stream_error")
	require.Equal(t, "partial", out.Content)
	require.Equal(t, "partial", body.String())
	require.Empty(t, store.completed)
	require.True(t, src.closed)
}

func TestRun_RateLimitedMidStream(t *testing.T) {
	src := &failingSource{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}
	svc := newTestService(t, &mockLLM{source: src}, &mockStore{}, Config{})

	turn, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	require.NoError(t, err)
	_, err = turn.Run()
	expectTurnError(t, err, ErrorRateLimited, "openai_rate_limited")
}

func TestRun_CommitFailure(t *testing.T) {
	store := &mockStore{completeErr: errors.New("transaction canceled")}
	svc := newTestService(t, &mockLLM{source: relay.Deltas("ok")}, store, Config{})

	turn, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	require.NoError(t, err)
	_, err = turn.Run()
	expectTurnError(t, err, ErrorInternal, "message_stream_error")
	require.ErrorIs(t, err, relay.ErrSinkFailed)
}

func TestTurn_Spans(t *testing.T) {
	rec, tp := newRecorder()
	svc := newTestService(t, &mockLLM{source: relay.Deltas("👋", "", "bye")}, &mockStore{}, Config{TracerProvider: tp})

	turn, err := svc.Start(context.Background(), TurnInput{Content: "hi", UserID: "u-1", ChatID: "c-1"}, io.Discard)
	require.NoError(t, err)
	require.Empty(t, rec.Ended(), "span stays open until Run")
	_, err = turn.Run()
	require.NoError(t, err)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	require.Equal(t, "chat.turn", span.Name())
	require.Equal(t, codes.Unset, span.Status().Code)

	attrs := make(map[string]string)
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "u-1", attrs[telemetry.AssociationAttributePrefix+"user_id"])
	require.Equal(t, "c-1", attrs[telemetry.AssociationAttributePrefix+"chat_id"])
	require.Equal(t, "c-1", attrs["chat.id"])
	require.Equal(t, "3", attrs["chat.fragments"])
	require.Equal(t, "2", attrs["chat.tokens"])
	require.Equal(t, turn.MessageID(), attrs["chat.message_id"])
}

func TestTurn_SpanRecordsPreStreamError(t *testing.T) {
	rec, tp := newRecorder()
	svc := newTestService(t, &mockLLM{streamErr: &openai.HTTPStatusError{StatusCode: http.StatusBadGateway}}, &mockStore{}, Config{TracerProvider: tp})

	_, err := svc.Start(context.Background(), TurnInput{Content: "hi"}, io.Discard)
	require.Error(t, err)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Equal(t, "openai_error", ended[0].Status().Description)
}

func TestBuildPromptMessages(t *testing.T) {
	msgs := buildPromptMessages("  be brief \n", "what's up?")
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what's up?"},
	}, msgs)
}

func TestError_Format(t *testing.T) {
	err := newError(ErrorUpstream, "openai_error", errors.New("boom"))
	require.Equal(t, "usecase: UPSTREAM_ERROR (openai_error): boom", err.Error())
	require.Equal(t, "usecase: INVALID_INPUT (empty_content)", newError(ErrorInvalidInput, "empty_content", nil).Error())

	var nilErr *Error
	require.Equal(t, "", nilErr.Error())
	require.Nil(t, nilErr.Unwrap())
}

func TestError_IsAndAsError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(ErrorRateLimited, "openai_rate_limited", nil))
	require.ErrorIs(t, err, &Error{Code: ErrorRateLimited})
	require.ErrorIs(t, err, &Error{Code: ErrorRateLimited, Reason: "openai_rate_limited"})
	require.NotErrorIs(t, err, &Error{Code: ErrorRateLimited, Reason: "moderation_rate_limited"})
	require.NotErrorIs(t, err, &Error{Code: ErrorUpstream})

	require.Equal(t, "openai_rate_limited", AsError(err).Reason)

	unknown := AsError(errors.New("boom"))
	require.Equal(t, ErrorInternal, unknown.Code)
	require.Equal(t, "unexpected_error", unknown.Reason)
}
