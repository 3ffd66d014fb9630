package openai

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/domain"
	"chat-relay/internal/relay"
)

var (
	attrSystem           = attribute.Key("gen_ai.system")
	attrOperation        = attribute.Key("gen_ai.operation.name")
	attrRequestType      = attribute.Key("llm.request.type")
	attrRequestModel     = attribute.Key("gen_ai.request.model")
	attrStreaming        = attribute.Key("llm.is_streaming")
	attrResponseModel    = attribute.Key("gen_ai.response.model")
	attrResponseID       = attribute.Key("gen_ai.response.id")
	attrFirstTokenMillis = attribute.Key("gen_ai.response.first_token_ms")
	attrFinishReasons    = attribute.Key("gen_ai.response.finish_reasons")
	attrCompletion       = attribute.Key("gen_ai.completion.0.content")
	attrCompletionRole   = attribute.Key("gen_ai.completion.0.role")
	attrInputTokens      = attribute.Key("gen_ai.usage.input_tokens")
	attrOutputTokens     = attribute.Key("gen_ai.usage.output_tokens")
	attrTotalTokens      = attribute.Key("llm.usage.total_tokens")
	attrStreamAborted    = attribute.Key("llm.stream.aborted")
)

const eventFirstToken = "first token"

func promptAttributes(messages []domain.ChatMessage) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2*len(messages))
	for i, m := range messages {
		prefix := "gen_ai.prompt." + strconv.Itoa(i) + "."
		attrs = append(attrs,
			attribute.String(prefix+"role", m.Role),
			attribute.String(prefix+"content", m.Content),
		)
	}
	return attrs
}

// chatStream adapts a go-openai completion stream to relay.Source and owns the
// chat span until the stream is exhausted, fails or is closed.
type chatStream struct {
	stream  *goopenai.ChatCompletionStream
	span    trace.Span
	started time.Time
	now     func() time.Time

	content   strings.Builder
	gotFirst  bool
	gotHeader bool
	finish    string
	usage     *relay.Usage
	endOnce   sync.Once
}

func (s *chatStream) Recv() (relay.Fragment, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(nil)
			return relay.Fragment{}, io.EOF
		}
		err = upstreamError(err)
		s.end(err)
		return relay.Fragment{}, fmt.Errorf("openai: receive chunk: %w", err)
	}

	var frag relay.Fragment
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		frag.Delta = choice.Delta.Content
		frag.FinishReason = string(choice.FinishReason)
	}
	if resp.Usage != nil {
		frag.Usage = &relay.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	s.observe(resp, frag)
	return frag, nil
}

func (s *chatStream) observe(resp goopenai.ChatCompletionStreamResponse, frag relay.Fragment) {
	if !s.gotHeader && (resp.ID != "" || resp.Model != "") {
		s.gotHeader = true
		s.span.SetAttributes(attrResponseID.String(resp.ID), attrResponseModel.String(resp.Model))
	}
	if frag.Delta != "" {
		if !s.gotFirst {
			s.gotFirst = true
			s.span.AddEvent(eventFirstToken)
			s.span.SetAttributes(attrFirstTokenMillis.Int64(s.now().Sub(s.started).Milliseconds()))
		}
		s.content.WriteString(frag.Delta)
	}
	if frag.FinishReason != "" {
		s.finish = frag.FinishReason
	}
	if frag.Usage != nil {
		s.usage = frag.Usage
	}
}

// Close releases the HTTP body. Closing before the end of the stream marks the
// span as aborted.
func (s *chatStream) Close() error {
	err := s.stream.Close()
	s.endOnce.Do(func() {
		s.span.SetAttributes(attrStreamAborted.Bool(true))
		s.finishSpan(nil)
	})
	return err
}

func (s *chatStream) end(err error) {
	s.endOnce.Do(func() { s.finishSpan(err) })
}

func (s *chatStream) finishSpan(err error) {
	s.span.SetAttributes(
		attrCompletionRole.String(domain.RoleAssistant),
		attrCompletion.String(s.content.String()),
	)
	if s.finish != "" {
		s.span.SetAttributes(attrFinishReasons.StringSlice([]string{s.finish}))
	}
	if s.usage != nil {
		s.span.SetAttributes(
			attrInputTokens.Int(s.usage.PromptTokens),
			attrOutputTokens.Int(s.usage.CompletionTokens),
			attrTotalTokens.Int(s.usage.TotalTokens),
		)
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
