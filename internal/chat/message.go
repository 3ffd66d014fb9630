// Package chat implements the outbound chat message: created empty, grown one
// streamed token at a time, and committed once.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/domain"
)

const (
	AuthorUser      = "user"
	AuthorAssistant = "assistant"
)

var ErrFinalized = errors.New("chat: message already finalized")

// Store persists message records. The repository client satisfies it.
type Store interface {
	CreateMessage(ctx context.Context, msg domain.Message) error
	CompleteMessage(ctx context.Context, msg domain.Message) error
}

// Message is the outbound sink of one chat turn. Tokens are written to out as
// they arrive and accumulated until Update commits them.
type Message struct {
	store  Store
	out    io.Writer
	record domain.Message

	mu        sync.Mutex
	content   strings.Builder
	tokens    int
	sent      bool
	finalized bool
}

func NewMessage(store Store, out io.Writer, chatID, userID, author string) (*Message, error) {
	if store == nil {
		return nil, errors.New("chat: store must not be nil")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("chat: chat id must not be empty")
	}
	if author == "" {
		author = AuthorAssistant
	}
	return &Message{
		store:  store,
		out:    out,
		record: NewRecord(chatID, userID, newMessageID(), author, "", domain.StatusStreaming),
	}, nil
}

func (m *Message) ID() string {
	return m.record.MessageID
}

// Send creates the empty message.
func (m *Message) Send(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent {
		return errors.New("chat: message already sent")
	}
	if err := m.store.CreateMessage(ctx, m.record); err != nil {
		return fmt.Errorf("chat: create message: %w", err)
	}
	m.sent = true
	return nil
}

// StreamToken appends token to the message and forwards it to the output
// writer without buffering.
func (m *Message) StreamToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("chat: write token: %w", err)
	}
	if m.out != nil {
		if _, err := io.WriteString(m.out, token); err != nil {
			return fmt.Errorf("chat: write token: %w", err)
		}
	}
	m.content.WriteString(token)
	m.tokens++
	return nil
}

// Update commits the accumulated content. It succeeds at most once; a failed
// commit leaves the message open so it can be retried.
func (m *Message) Update(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	if !m.sent {
		return errors.New("chat: message was never sent")
	}

	rec := m.record
	rec.Content = m.content.String()
	rec.Tokens = m.tokens
	rec.Status = domain.StatusComplete
	if err := m.store.CompleteMessage(ctx, rec); err != nil {
		return fmt.Errorf("chat: complete message: %w", err)
	}
	m.record = rec
	m.finalized = true
	return nil
}

func (m *Message) Content() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content.String()
}

func (m *Message) Tokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

func (m *Message) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// NewRecord builds a message record stamped with the current time.
func NewRecord(chatID, userID, messageID, author, content, status string) domain.Message {
	return domain.Message{
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    userID,
		Author:    author,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// newMessageID returns a time-ordered id so message keys sort chronologically.
var newMessageID = func() string {
	return uuid.Must(uuid.NewV7()).String()
}
