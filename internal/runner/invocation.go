// Package runner serializes script invocations against the single PowerShell
// host process and settles each one on its finished sentinel, a terminating
// error, or cancellation.
package runner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TerminatingErrorPolicy decides what happens to the host process when a
// terminating script error fails an invocation.
type TerminatingErrorPolicy string

const (
	// PolicyFailInvocation fails the invocation and keeps the process for
	// the next one.
	PolicyFailInvocation TerminatingErrorPolicy = "fail-invocation"
	// PolicyRestartProcess fails the invocation and replaces the process.
	PolicyRestartProcess TerminatingErrorPolicy = "restart-process"
)

// TerminatingScriptError is a fatal script error reported on the host's
// dedicated error channel. It fails the current invocation; whether the
// process survives is policy.
type TerminatingScriptError struct {
	Message string
}

func (e *TerminatingScriptError) Error() string {
	return fmt.Sprintf("terminating script error: %s", e.Message)
}

// Invocation is a single request to run a script against the host process.
type Invocation struct {
	// ID correlates the finished sentinel to this invocation.
	ID string
	// Command is the single line submitted to the host's stdin.
	Command string
	// Source optionally overrides where output lines are consumed from.
	// Defaults to the host's own stdout.
	Source <-chan string
}

// Options control how an invocation is admitted.
type Options struct {
	// CancelExisting settles the in-flight invocation via a synthetic
	// sentinel and hard-resets the process before this one starts.
	// Default is to queue behind it.
	CancelExisting bool
	// FreshProcess replaces the host process before running, used when the
	// caller's required interpreter differs from the running one.
	FreshProcess bool
	// ExecutablePath is the interpreter resolution hint.
	ExecutablePath string
}

// Target addresses a test file, optionally pinned to a line.
type Target struct {
	File string
	Line int
}

func (t Target) String() string {
	if t.Line > 0 {
		return fmt.Sprintf("%s:%d", t.File, t.Line)
	}
	return t.File
}

// Command describes one wrapper-script invocation and renders it as the one
// line written to the host's stdin.
type Command struct {
	ScriptPath   string
	InvocationID string
	PipeName     string
	Verbosity    string
	Discovery    bool
	Targets      []Target
}

// NewInvocation renders cmd into an Invocation with a fresh ID when none is
// set.
func NewInvocation(cmd Command) Invocation {
	if cmd.InvocationID == "" {
		cmd.InvocationID = uuid.NewString()
	}
	return Invocation{
		ID:      cmd.InvocationID,
		Command: cmd.Line(),
	}
}

// Line renders the stdin submission: the wrapper script call with its
// positional and flag arguments.
func (c Command) Line() string {
	var sb strings.Builder
	sb.WriteString("& ")
	sb.WriteString(psQuote(c.ScriptPath))
	sb.WriteString(" -InvocationId ")
	sb.WriteString(psQuote(c.InvocationID))
	if c.PipeName != "" {
		sb.WriteString(" -PipeName ")
		sb.WriteString(psQuote(c.PipeName))
	}
	if c.Verbosity != "" {
		sb.WriteString(" -Verbosity ")
		sb.WriteString(psQuote(c.Verbosity))
	}
	if c.Discovery {
		sb.WriteString(" -Discovery")
	}
	for _, t := range c.Targets {
		sb.WriteString(" ")
		sb.WriteString(psQuote(t.String()))
	}
	return sb.String()
}

// psQuote single-quotes a PowerShell string literal; embedded single quotes
// are doubled.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
