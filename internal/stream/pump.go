package stream

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/tracing"
)

// Pump consumes framed lines from a shared source until the invocation's
// finished sentinel is observed, then returns without draining or closing
// the source. The same source feeds many invocations over the life of one
// host process.
//
// Termination:
//   - a sentinel whose invocation ID matches invocationID (or any sentinel
//     when invocationID is empty) returns nil;
//   - a sentinel for a different invocation is stale output from a cancelled
//     predecessor and is discarded with a warning;
//   - a closed lines channel returns ErrSourceClosed (host died);
//   - closing interrupt acts as a synthetic sentinel and returns nil;
//   - a decode or tag error is fatal to this invocation only.
func Pump(ctx context.Context, lines <-chan string, interrupt <-chan struct{}, invocationID string, s *Streams) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupt:
			log.Debug(log.CatStream, "pump interrupted", "invocation", invocationID)
			return nil
		case line, ok := <-lines:
			if !ok {
				return ErrSourceClosed
			}
			if strings.TrimSpace(line) == "" {
				continue
			}

			rec, sentinel, err := DecodeLine([]byte(line))
			if err != nil {
				trace.SpanFromContext(ctx).AddEvent(tracing.EventRecordRejected)
				return err
			}

			if sentinel != nil {
				if invocationID != "" && sentinel.InvocationID != invocationID {
					log.Warn(log.CatStream, "discarding stale sentinel",
						"got", sentinel.InvocationID, "want", invocationID)
					continue
				}
				trace.SpanFromContext(ctx).AddEvent(tracing.EventSentinelMatched)
				log.Debug(log.CatStream, "invocation finished", "invocation", sentinel.InvocationID)
				return nil
			}

			if err := s.Route(ctx, rec); err != nil {
				return err
			}
		}
	}
}
