package domain

import (
	"context"
	"time"
)

type Command struct {
	Tool    string
	Args    []string
	Env     map[string]string
	Dir     string
	Stdin   string
	Secrets []string
	Timeout time.Duration
}

type CommandOutcome struct {
	ExitCode int
	Lines    []string
	Duration time.Duration
}

// Tail returns at most n trailing output lines.
func (o *CommandOutcome) Tail(n int) []string {
	if o == nil {
		return nil
	}
	if len(o.Lines) <= n {
		return o.Lines
	}
	return o.Lines[len(o.Lines)-n:]
}

type CommandExecutor interface {
	Run(ctx context.Context, cmd Command) (*CommandOutcome, error)
}
