// Package relay forwards incremental completion fragments to an outbound
// message sink in arrival order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Usage is the token accounting reported by the upstream stream, if any.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Fragment is one incremental piece of a streamed completion. Delta may be
// empty, e.g. for role-only or usage-only chunks.
type Fragment struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

// Source yields fragments until io.EOF.
type Source interface {
	Recv() (Fragment, error)
	Close() error
}

// Sink is the outbound message that accumulates streamed text.
type Sink interface {
	StreamToken(ctx context.Context, token string) error
	Update(ctx context.Context) error
}

// Result summarizes a relay run. Content holds what reached the sink, even
// when the run failed part way.
type Result struct {
	Content      string
	Fragments    int
	Tokens       int
	FinishReason string
	Usage        *Usage
}

// Failures are tagged with the side that produced them.
var (
	ErrSourceFailed = errors.New("relay: source failed")
	ErrSinkFailed   = errors.New("relay: sink failed")
	// ErrSourceClosed is returned by Recv on a closed SliceSource.
	ErrSourceClosed = errors.New("relay: source closed")
)

// Relay appends every non-empty delta from src to sink as soon as it arrives
// and finalizes sink once src reports io.EOF. The sink is not finalized when
// the source or the sink fail; the error is returned as is.
func Relay(ctx context.Context, src Source, sink Sink) (Result, error) {
	if src == nil {
		return Result{}, errors.New("relay: source must not be nil")
	}
	if sink == nil {
		return Result{}, errors.New("relay: sink must not be nil")
	}

	var (
		res     Result
		content strings.Builder
	)
	for {
		frag, err := src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			res.Content = content.String()
			return res, fmt.Errorf("%w: receive fragment %d: %w", ErrSourceFailed, res.Fragments+1, err)
		}
		res.Fragments++
		if frag.FinishReason != "" {
			res.FinishReason = frag.FinishReason
		}
		if frag.Usage != nil {
			u := *frag.Usage
			res.Usage = &u
		}
		if frag.Delta == "" {
			continue
		}
		if err := sink.StreamToken(ctx, frag.Delta); err != nil {
			res.Content = content.String()
			return res, fmt.Errorf("%w: stream token: %w", ErrSinkFailed, err)
		}
		content.WriteString(frag.Delta)
		res.Tokens++
	}

	res.Content = content.String()
	if err := sink.Update(ctx); err != nil {
		return res, fmt.Errorf("%w: update: %w", ErrSinkFailed, err)
	}
	return res, nil
}

// SliceSource is an in-memory Source over fixed fragments.
type SliceSource struct {
	fragments []Fragment
	next      int
	closed    bool
}

// NewSliceSource returns a source yielding fragments in order, then io.EOF.
func NewSliceSource(fragments ...Fragment) *SliceSource {
	return &SliceSource{fragments: fragments}
}

// Deltas builds a SliceSource with one fragment per delta.
func Deltas(deltas ...string) *SliceSource {
	frags := make([]Fragment, 0, len(deltas))
	for _, d := range deltas {
		frags = append(frags, Fragment{Delta: d})
	}
	return NewSliceSource(frags...)
}

// Recv returns the next fragment, io.EOF once drained, or ErrSourceClosed.
func (s *SliceSource) Recv() (Fragment, error) {
	if s.closed {
		return Fragment{}, ErrSourceClosed
	}
	if s.next >= len(s.fragments) {
		return Fragment{}, io.EOF
	}
	f := s.fragments[s.next]
	s.next++
	return f, nil
}

// Close makes later Recv calls fail. It never returns an error.
func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

