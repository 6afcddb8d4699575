package executor

import (
	"fmt"
	"strings"
	"time"
)

// MissingInputError marks a required node input absent from the operating
// context. Raised before any subprocess is spawned.
type MissingInputError struct {
	Node     string
	Param    string
	Property string
	Ctx      string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("node %s: required input %q (property <%s>) not found for context <%s>",
		e.Node, e.Param, e.Property, e.Ctx)
}

// ScriptError marks a non-zero exit or unparseable stdout. StderrTail holds
// at most the last 8 KB of stderr.
type ScriptError struct {
	Node       string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *ScriptError) Error() string {
	msg := fmt.Sprintf("node %s: script failed (exit %d): %v", e.Node, e.ExitCode, e.Err)
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg += ": stderr: " + tail
	}
	return msg
}

func (e *ScriptError) Unwrap() error { return e.Err }

// TimeoutError marks a script that exceeded its per-node timeout.
type TimeoutError struct {
	Node    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: script exceeded timeout %v", e.Node, e.Timeout)
}

// StepError tags a plan failure with the offending step.
type StepError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("plan step %d (%s <%s>) failed: %v", e.Index+1, e.Op.Kind, e.Op.URI, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
