// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// Provider is one backend family behind the adapter.
//
// # Description
//
// Implementations translate a normalized Request into the backend's wire
// format. They do not retry, do not normalize messages, and do not apply
// timeouts; the Adapter owns all of that.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across turns.
type Provider interface {
	// Name returns the registry key, e.g. "openai".
	Name() string

	// Capabilities reports what the backend accepts for model.
	Capabilities(model string) Capabilities

	// Generate performs one complete, non-streaming call.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream starts a streaming call. Tools are never set on
	// streaming requests.
	GenerateStream(ctx context.Context, req Request) (Stream, error)
}

// Stream is a lazy, finite, non-restartable sequence of content deltas.
//
// # Description
//
// Recv returns the next Delta. It returns io.EOF exactly at the natural end
// of the stream and any other error on failure or cancellation. After Recv
// returns a non-nil error, further calls return the same class of error.
// Close must always be called and is safe to call more than once.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Collect drains a stream into a single string.
//
// The stream is closed before Collect returns.
func Collect(s Stream) (string, Usage, error) {
	defer s.Close()

	var sb strings.Builder
	var usage Usage
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), usage, nil
		}
		if err != nil {
			return sb.String(), usage, err
		}
		sb.WriteString(d.Content)
		if d.Usage != nil {
			usage = *d.Usage
		}
	}
}

// =============================================================================
// Stream Helpers
// =============================================================================

// sliceStream replays a fixed list of deltas.
type sliceStream struct {
	deltas []Delta
	pos    int
	closed bool
}

func newSliceStream(deltas []Delta) *sliceStream {
	return &sliceStream{deltas: deltas}
}

func (s *sliceStream) Recv() (Delta, error) {
	if s.closed || s.pos >= len(s.deltas) {
		return Delta{}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// callbackStream bridges callback-style SDK streaming APIs onto Stream.
//
// # Description
//
// run executes on its own goroutine and calls emit for every delta. emit
// blocks until the consumer calls Recv, so at most one delta is buffered.
// Close cancels run's context and waits for it to return.
type callbackStream struct {
	deltas chan Delta
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func newCallbackStream(ctx context.Context, run func(ctx context.Context, emit func(Delta) error) error) *callbackStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &callbackStream{
		deltas: make(chan Delta),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		err := run(ctx, func(d Delta) error {
			select {
			case s.deltas <- d:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	return s
}

func (s *callbackStream) Recv() (Delta, error) {
	select {
	case d := <-s.deltas:
		return d, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return Delta{}, io.EOF
		}
		if s.err != nil {
			return Delta{}, s.err
		}
		return Delta{}, io.EOF
	}
}

func (s *callbackStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}
