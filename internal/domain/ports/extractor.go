// Package ports declares the small interfaces that decouple the domain
// and usecase-level packages (probe, supervisor, taskmanager) from their
// concrete external-process and storage implementations, following the
// same dependency-inversion convention the teacher service uses for its
// Engine/Repository contracts.
package ports

import (
	"context"
)

// ProcessResult is the outcome of a blocking extractor/muxer invocation.
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ProgressLine is one line of extractor stdout/stderr delivered to a
// streaming caller, tagged by which stream it came from.
type ProgressLine struct {
	Text     string
	IsStderr bool
}

// Extractor runs the external CLI media extractor (the "extractor" of
// spec.md's GLOSSARY) in either blocking or streaming mode.
type Extractor interface {
	// Run executes to completion or ctx cancellation, returning the
	// collected stdout/stderr.
	Run(ctx context.Context, args []string, env []string) (ProcessResult, error)

	// Stream executes and delivers stdout/stderr lines as they arrive on
	// the returned channel, closed when the process exits or ctx is
	// canceled. The returned CancelFunc forcibly kills the child process.
	Stream(ctx context.Context, args []string, env []string) (<-chan ProgressLine, context.CancelFunc, <-chan error)
}
