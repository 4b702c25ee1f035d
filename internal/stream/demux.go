package stream

import (
	"context"
	"fmt"
)

const defaultChannelBuffer = 64

// Streams holds the seven typed output channels one invocation's records are
// fanned out to. Every record that is not a sentinel is delivered to exactly
// one channel, and delivery order within a channel equals wire arrival order.
type Streams struct {
	Success     chan Record
	Error       chan Record
	Warning     chan Record
	Verbose     chan Record
	Debug       chan Record
	Information chan Record
	Progress    chan Record
}

// NewStreams creates a Streams with the given per-channel buffer.
// A buffer <= 0 uses the default (64).
func NewStreams(buffer int) *Streams {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &Streams{
		Success:     make(chan Record, buffer),
		Error:       make(chan Record, buffer),
		Warning:     make(chan Record, buffer),
		Verbose:     make(chan Record, buffer),
		Debug:       make(chan Record, buffer),
		Information: make(chan Record, buffer),
		Progress:    make(chan Record, buffer),
	}
}

// Channel returns the output channel for a tag.
func (s *Streams) Channel(tag Tag) chan Record {
	switch tag {
	case TagSuccess:
		return s.Success
	case TagError:
		return s.Error
	case TagWarning:
		return s.Warning
	case TagVerbose:
		return s.Verbose
	case TagDebug:
		return s.Debug
	case TagInformation:
		return s.Information
	case TagProgress:
		return s.Progress
	default:
		return nil
	}
}

// Route delivers a record to its channel, blocking until the consumer
// accepts it or ctx is cancelled. Blocking is what preserves per-channel
// arrival order under a single pump goroutine.
func (s *Streams) Route(ctx context.Context, rec Record) error {
	ch := s.Channel(rec.Tag)
	if ch == nil {
		return &UnknownStreamTagError{Tag: string(rec.Tag)}
	}
	select {
	case ch <- rec:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("routing %s record: %w", rec.Tag, ctx.Err())
	}
}

// Close closes all seven channels. Call once the pump has returned.
func (s *Streams) Close() {
	close(s.Success)
	close(s.Error)
	close(s.Warning)
	close(s.Verbose)
	close(s.Debug)
	close(s.Information)
	close(s.Progress)
}
