package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	Start(ctx context.Context, in usecase.TurnInput, out io.Writer) (*usecase.Turn, error)
}

type Handler struct {
	chat   ChatUseCase
	logger *slog.Logger
}

type chatRequest struct {
	Content string `json:"content"`
	UserID  string `json:"userId"`
	ChatID  string `json:"chatId"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(chat ChatUseCase) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	return &Handler{chat: chat, logger: slog.Default()}, nil
}

// Handle serves one chat turn on a Lambda Function URL with response
// streaming. Validation and setup failures produce a JSON error response.
// Once the status line is sent the body carries the relayed tokens, and a
// failure mid-stream aborts the body.
func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if m := req.RequestContext.HTTP.Method; m != "" && m != http.MethodPost {
		return jsonError(correlationID, http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method_not_allowed"), nil
	}

	body, err := requestBody(req)
	if err != nil {
		logger.WarnContext(ctx, "invalid request body", "err", err)
		return jsonError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body"), nil
	}
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		logger.WarnContext(ctx, "invalid request body", "err", err)
		return jsonError(correlationID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body"), nil
	}

	pr, pw := io.Pipe()
	turn, err := h.chat.Start(ctx, usecase.TurnInput{Content: in.Content, UserID: in.UserID, ChatID: in.ChatID}, pw)
	if err != nil {
		_ = pw.Close()
		status, code, reason := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "chat turn failed", "code", code, "reason", reason, "err", err)
		} else {
			logger.InfoContext(ctx, "chat turn rejected", "code", code, "reason", reason)
		}
		return jsonError(correlationID, status, code, reason), nil
	}

	logger = logger.With("chat_id", turn.ChatID(), "message_id", turn.MessageID())
	// The runtime stops reading the body when the invocation ends.
	stop := context.AfterFunc(ctx, func() {
		_ = pr.CloseWithError(ctx.Err())
	})
	go func() {
		defer stop()
		out, err := turn.Run()
		if err != nil {
			logger.ErrorContext(ctx, "chat stream failed", "err", err, "tokens", out.Tokens)
			_ = pw.CloseWithError(err)
			return
		}
		logger.InfoContext(ctx, "chat turn complete", "tokens", out.Tokens, "finish_reason", out.FinishReason)
		_ = pw.Close()
	}()

	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":    "text/plain; charset=utf-8",
			"Cache-Control":   "no-cache",
			correlationHeader: correlationID,
			"X-Chat-Id":       turn.ChatID(),
			"X-Message-Id":    turn.MessageID(),
		},
		Body: pr,
	}, nil
}

func requestBody(req events.LambdaFunctionURLRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func mapError(err error) (int, usecase.ErrorCode, string) {
	ucErr := usecase.AsError(err)
	switch ucErr.Code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidQuestion:
		return http.StatusBadRequest, ucErr.Code, ucErr.Reason
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, ucErr.Code, ucErr.Reason
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, ucErr.Code, ucErr.Reason
	default:
		return http.StatusInternalServerError, usecase.ErrorInternal, ucErr.Reason
	}
}

func jsonError(correlationID string, status int, code usecase.ErrorCode, message string) *events.LambdaFunctionURLStreamingResponse {
	body, _ := json.Marshal(errorResponse{Error: string(code), Message: message})
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: strings.NewReader(string(body)),
	}
}
