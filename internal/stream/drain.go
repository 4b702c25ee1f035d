package stream

import (
	"strings"
	"time"

	"github.com/zjrosen/pestle/internal/log"
)

// Drain discards a failed invocation's queued output until its finished
// sentinel is observed, so the shared source is clean for the next
// invocation. Records and undecodable lines are dropped without routing.
// Returns false when the sentinel does not arrive within timeout or the
// source closes first; the process state is then unknown and the caller
// should reset it.
func Drain(lines <-chan string, invocationID string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			_, sentinel, err := DecodeLine([]byte(line))
			if err != nil {
				continue
			}
			if sentinel == nil {
				log.Debug(log.CatStream, "discarding stale record", "invocation", invocationID)
				continue
			}
			if invocationID == "" || sentinel.InvocationID == invocationID {
				return true
			}
		}
	}
}
