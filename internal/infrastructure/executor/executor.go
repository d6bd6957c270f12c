// Package executor runs native database tools to completion under a deadline.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/semmidev/backt/internal/domain"
)

var ErrEmptyCommand = errors.New("command is empty")

const (
	maxLineSize       = 1024 * 1024
	defaultWaitDelay  = 2 * time.Second
	defaultSinkBuffer = 1024
	maskedSecret      = "******"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// LineSink receives every captured output line. It runs on its own goroutine
// and may be slow; lines it cannot keep up with are dropped, never blocking the drain.
type LineSink func(tool, stream, line string)

type Executor struct {
	defaultTimeout time.Duration
	waitDelay      time.Duration
	sinkBuffer     int
	sink           LineSink
	logger         Logger
}

type Option func(*Executor)

func WithSink(sink LineSink) Option {
	return func(e *Executor) { e.sink = sink }
}

func WithWaitDelay(d time.Duration) Option {
	return func(e *Executor) { e.waitDelay = d }
}

func WithSinkBuffer(n int) Option {
	return func(e *Executor) { e.sinkBuffer = n }
}

func New(defaultTimeout time.Duration, logger Logger, opts ...Option) *Executor {
	e := &Executor{
		defaultTimeout: defaultTimeout,
		waitDelay:      defaultWaitDelay,
		sinkBuffer:     defaultSinkBuffer,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sink == nil {
		e.sink = LogSink(logger)
	}
	return e
}

// LogSink forwards tool output to the debug log.
func LogSink(logger Logger) LineSink {
	return func(tool, stream, line string) {
		logger.Debugf("[%s] %s: %s", tool, stream, line)
	}
}

// Run executes cmd and waits for it. A non-zero exit code is reported in the
// outcome, not as an error; only spawn failures, cancellation and the deadline
// produce errors. On deadline expiry the process is killed, its output is
// discarded and a *domain.TimeoutError is returned.
func (e *Executor) Run(ctx context.Context, cmd domain.Command) (*domain.CommandOutcome, error) {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return nil, ErrEmptyCommand
	}

	tool := cmd.Tool
	if tool == "" {
		tool = filepath.Base(cmd.Args[0])
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Args[0], cmd.Args[1:]...)
	c.Env = mergeEnv(os.Environ(), cmd.Env)
	c.Dir = cmd.Dir
	c.WaitDelay = e.waitDelay

	if cmd.Stdin != "" {
		in, err := os.Open(cmd.Stdin)
		if err != nil {
			return nil, fmt.Errorf("open stdin for %s: %w", tool, err)
		}
		defer in.Close()
		c.Stdin = in
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	c.Stdout = stdoutW
	c.Stderr = stderrW

	out := newCollector(tool, e.sink, e.sinkBuffer)
	var drainers errgroup.Group
	drainers.Go(func() error { return out.drain(stdoutR, "stdout") })
	drainers.Go(func() error { return out.drain(stderrR, "stderr") })

	e.logger.Infof("[%s] exec (timeout %s): %s", tool, timeout, Mask(cmd.Args, cmd.Secrets))
	start := time.Now()

	runErr := c.Start()
	if runErr == nil {
		runErr = c.Wait()
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err := drainers.Wait(); err != nil {
		e.logger.Warnf("[%s] output truncated: %v", tool, err)
	}
	if dropped := out.close(); dropped > 0 {
		e.logger.Warnf("[%s] output sink fell behind, %d line(s) not forwarded", tool, dropped)
	}
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warnf("[%s] killed after %s", tool, elapsed.Round(time.Millisecond))
			return nil, &domain.TimeoutError{Tool: tool, Timeout: timeout}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s interrupted: %w", tool, ctx.Err())
		}
	}

	outcome := &domain.CommandOutcome{Lines: out.lines, Duration: elapsed}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.Is(runErr, exec.ErrWaitDelay) && c.ProcessState != nil:
		outcome.ExitCode = c.ProcessState.ExitCode()
	case errors.As(runErr, &exitErr):
		outcome.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run %s: %w", tool, runErr)
	}

	e.logger.Infof("[%s] exited with code %d in %s", tool, outcome.ExitCode, elapsed.Round(time.Millisecond))
	return outcome, nil
}

// Mask renders argv for logs with every secret value replaced.
func Mask(args []string, secrets []string) string {
	line := strings.Join(args, " ")
	for _, s := range secrets {
		if s == "" {
			continue
		}
		line = strings.ReplaceAll(line, s, maskedSecret)
	}
	return line
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

type lineEvent struct {
	stream string
	line   string
}

type collector struct {
	mu      sync.Mutex
	lines   []string
	events  chan lineEvent
	done    chan struct{}
	dropped atomic.Int64
}

func newCollector(tool string, sink LineSink, buffer int) *collector {
	c := &collector{}
	if sink == nil {
		return c
	}
	c.events = make(chan lineEvent, buffer)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		for ev := range c.events {
			sink(tool, ev.stream, ev.line)
		}
	}()
	return c
}

func (c *collector) drain(r *io.PipeReader, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		c.add(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// keep reading so the writer never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("%s: %w", stream, err)
	}
	return nil
}

func (c *collector) add(stream, line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()

	if c.events == nil {
		return
	}
	select {
	case c.events <- lineEvent{stream: stream, line: line}:
	default:
		c.dropped.Add(1)
	}
}

func (c *collector) close() int64 {
	if c.events != nil {
		close(c.events)
		<-c.done
	}
	return c.dropped.Load()
}
