package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/chat"
	"chat-relay/internal/domain"
	"chat-relay/internal/relay"
	"chat-relay/internal/telemetry"
)

const (
	defaultModel         = "gpt-4o-mini"
	defaultMaxContentLen = 2000
	defaultMaxTurns      = 50
	anonymousUser        = "anonymous"
	scopeName            = "chat-relay/internal/usecase"
)

// maxIDLen bounds client-supplied ids, which become table keys and baggage.
const maxIDLen = 128

type LLMClient interface {
	StreamChat(ctx context.Context, model string, messages []domain.ChatMessage) (relay.Source, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

// ChatStore persists chat messages and reads per-chat counters.
type ChatStore interface {
	chat.Store
	GetTurnCount(ctx context.Context, chatID string) (int, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Config struct {
	Model          string
	SystemPrompt   string
	MaxContentLen  int
	MaxTurns       int
	Moderation     bool
	TracerProvider trace.TracerProvider
}

type ChatService struct {
	llm    LLMClient
	store  ChatStore
	cfg    Config
	tracer trace.Tracer
}

type TurnInput struct {
	Content string
	UserID  string
	ChatID  string
}

type TurnOutput struct {
	ChatID       string
	MessageID    string
	Content      string
	Tokens       int
	FinishReason string
	Usage        *relay.Usage
}

func NewChatService(llm LLMClient, store ChatStore, cfg Config) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: chat store must not be nil")
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxContentLen <= 0 {
		cfg.MaxContentLen = defaultMaxContentLen
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	return &ChatService{
		llm:    llm,
		store:  store,
		cfg:    cfg,
		tracer: telemetry.Tracer(cfg.TracerProvider, scopeName),
	}, nil
}

// Start prepares one chat turn up to the point where the completion stream is
// open. Nothing has been written to out when Start returns. Every error is an
// *Error.
//
// The correlation properties are attached to the context of this turn only, so
// they tag the spans of the single completion request issued here.
func (s *ChatService) Start(ctx context.Context, in TurnInput, out io.Writer) (*Turn, error) {
	content := in.Content
	if strings.TrimSpace(content) == "" {
		return nil, newError(ErrorInvalidInput, "empty_content", nil)
	}
	if len(content) > s.cfg.MaxContentLen {
		return nil, newError(ErrorInvalidInput, "content_too_long", nil)
	}

	chatID := strings.TrimSpace(in.ChatID)
	if len(chatID) > maxIDLen {
		return nil, newError(ErrorInvalidInput, "chat_id_too_long", nil)
	}
	userID := strings.TrimSpace(in.UserID)
	if len(userID) > maxIDLen {
		return nil, newError(ErrorInvalidInput, "user_id_too_long", nil)
	}
	newChat := chatID == ""
	if newChat {
		chatID = newUUID()
	}
	if userID == "" {
		userID = anonymousUser
	}

	ctx, err := telemetry.WithAssociationProperties(ctx, domain.Association{UserID: userID, ChatID: chatID}.Properties())
	if err != nil {
		return nil, newError(ErrorInternal, "association_error", err)
	}

	ctx, span := s.tracer.Start(ctx, "chat.turn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("chat.user_id", userID),
			attribute.Bool("chat.new", newChat),
			attribute.Int("chat.content_length", len(content)),
			attribute.String("gen_ai.request.model", s.cfg.Model),
		),
	)
	fail := func(e *Error) (*Turn, error) {
		endWithError(span, e)
		return nil, e
	}

	if !newChat {
		turns, err := s.store.GetTurnCount(ctx, chatID)
		if err != nil {
			return fail(newError(ErrorInternal, "dynamodb_turn_count_error", err))
		}
		span.SetAttributes(attribute.Int("chat.turns", turns))
		if turns >= s.cfg.MaxTurns {
			return fail(newError(ErrorInvalidInput, "chat_turn_limit", nil))
		}
	}

	if s.cfg.Moderation {
		flagged, err := s.llm.Moderate(ctx, content)
		if err != nil {
			if isRateLimited(err) {
				return fail(newError(ErrorRateLimited, "moderation_rate_limited", err))
			}
			return fail(newError(ErrorUpstream, "moderation_error", err))
		}
		if flagged {
			return fail(newError(ErrorInvalidQuestion, "moderation_flagged", nil))
		}
	}

	inbound := chat.NewRecord(chatID, userID, newMessageID(), chat.AuthorUser, content, domain.StatusComplete)
	if err := s.store.CreateMessage(ctx, inbound); err != nil {
		return fail(newError(ErrorInternal, "dynamodb_write_error", err))
	}

	msg, err := chat.NewMessage(s.store, out, chatID, userID, chat.AuthorAssistant)
	if err != nil {
		return fail(newError(ErrorInternal, "message_error", err))
	}
	if err := msg.Send(ctx); err != nil {
		return fail(newError(ErrorInternal, "dynamodb_write_error", err))
	}
	span.SetAttributes(attribute.String("chat.message_id", msg.ID()))

	src, err := s.llm.StreamChat(ctx, s.cfg.Model, buildPromptMessages(s.cfg.SystemPrompt, content))
	if err != nil {
		if isRateLimited(err) {
			return fail(newError(ErrorRateLimited, "openai_rate_limited", err))
		}
		return fail(newError(ErrorUpstream, "openai_error", err))
	}

	return &Turn{ctx: ctx, span: span, src: src, msg: msg, chatID: chatID}, nil
}

// Turn is a started chat turn whose completion stream is open. Run relays it.
type Turn struct {
	ctx    context.Context
	span   trace.Span
	src    relay.Source
	msg    *chat.Message
	chatID string

	runOnce sync.Once
	out     TurnOutput
	err     error
}

func (t *Turn) ChatID() string {
	return t.chatID
}

func (t *Turn) MessageID() string {
	return t.msg.ID()
}

// Run relays the completion stream into the outbound message and commits it.
// The turn span ends when Run returns. Later calls return the first result.
func (t *Turn) Run() (TurnOutput, error) {
	t.runOnce.Do(func() {
		t.out, t.err = t.run()
	})
	return t.out, t.err
}

func (t *Turn) run() (TurnOutput, error) {
	defer t.src.Close()

	res, err := relay.Relay(t.ctx, t.src, t.msg)
	t.span.SetAttributes(
		attribute.Int("chat.fragments", res.Fragments),
		attribute.Int("chat.tokens", res.Tokens),
	)
	out := TurnOutput{
		ChatID:       t.chatID,
		MessageID:    t.msg.ID(),
		Content:      res.Content,
		Tokens:       res.Tokens,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
	}
	if err != nil {
		e := classifyRelayError(err)
		endWithError(t.span, e)
		return out, e
	}
	t.span.End()
	return out, nil
}

func classifyRelayError(err error) *Error {
	switch {
	case isRateLimited(err):
		return newError(ErrorRateLimited, "openai_rate_limited", err)
	case errors.Is(err, relay.ErrSourceFailed):
		return newError(ErrorUpstream, "openai_stream_error", err)
	default:
		return newError(ErrorInternal, "message_stream_error", err)
	}
}

func endWithError(span trace.Span, e *Error) {
	span.SetAttributes(attribute.String("error.code", string(e.Code)), attribute.String("error.reason", e.Reason))
	span.RecordError(e)
	span.SetStatus(codes.Error, e.Reason)
	span.End()
}

func isRateLimited(err error) bool {
	status, ok := upstreamStatusCode(err)
	return ok && status == http.StatusTooManyRequests
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}

var newMessageID = func() string {
	return uuid.Must(uuid.NewV7()).String()
}
