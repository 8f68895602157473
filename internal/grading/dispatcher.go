// Package grading dispatches script-graded exercises to an external
// sandboxed executor with a bounded number of concurrent invocations.
package grading

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/JanWichelmann/ctf4e-sub001/internal/domain"
)

// DefaultMaxParallel bounds concurrent grading commands when no explicit
// limit is configured.
const DefaultMaxParallel = 100

// Command describes one command invocation inside a sandbox container.
type Command struct {
	Container string
	Args      []string
	Stdin     string
	HasStdin  bool // pipe Stdin to the command and close the stream
	Timeout   time.Duration
}

// ExecResult is the captured outcome of a command invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands in the external sandbox.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*ExecResult, error)
}

// Config configures a Dispatcher.
type Config struct {
	Executor      Executor
	InitScript    string // per-user provisioning script
	InitContainer string // container the init script runs in
	MaxParallel   int    // defaults to DefaultMaxParallel
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Dispatcher is the bounded-concurrency gateway to the sandbox executor.
// The concurrency slots are independent of all state locks; callers must
// release their state locks before grading.
type Dispatcher struct {
	executor      Executor
	initScript    string
	initContainer string
	slots         chan struct{}
	timeout       time.Duration
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher with a fixed grading-slot count.
func NewDispatcher(cfg Config) *Dispatcher {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		executor:      cfg.Executor,
		initScript:    cfg.InitScript,
		initContainer: cfg.InitContainer,
		slots:         make(chan struct{}, maxParallel),
		timeout:       cfg.Timeout,
		logger:        logger,
	}
}

// Grade runs the exercise's grading script with the user and exercise id
// as arguments and interprets its output. The script passes iff it prints
// exactly "1" (trailing line endings ignored); anything else, including
// empty output or "1" padded with spaces, is a fail. Execution problems
// are returned as errors, distinct from a graded fail.
func (d *Dispatcher) Grade(ctx context.Context, container, script string, userID, exerciseID int, input string, stringInput bool) (bool, string, error) {
	if d.executor == nil {
		return false, "", domain.ErrExecutorUnavailable
	}
	if strings.TrimSpace(script) == "" {
		return false, "", domain.ErrScriptPathEmpty
	}

	if err := d.acquire(ctx); err != nil {
		return false, "", err
	}
	defer d.release()

	res, err := d.executor.Run(ctx, Command{
		Container: container,
		Args:      []string{script, strconv.Itoa(userID), strconv.Itoa(exerciseID)},
		Stdin:     input,
		HasStdin:  stringInput,
		Timeout:   d.timeout,
	})
	if err != nil {
		return false, "", fmt.Errorf("run grading script: %w", err)
	}

	passed := strings.TrimRight(res.Stdout, "\r\n") == "1"
	d.logger.Debug("grading script finished",
		"user", userID,
		"exercise", exerciseID,
		"passed", passed,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
	)
	return passed, res.Stderr, nil
}

// InitUser runs the one-shot provisioning script for a new user.
func (d *Dispatcher) InitUser(ctx context.Context, userID int, userName, password string) error {
	if d.executor == nil {
		return domain.ErrExecutorUnavailable
	}
	if d.initScript == "" {
		return domain.ErrInitScriptMissing
	}

	res, err := d.executor.Run(ctx, Command{
		Container: d.initContainer,
		Args:      []string{d.initScript, strconv.Itoa(userID), userName, password},
		Timeout:   d.timeout,
	})
	if err != nil {
		return fmt.Errorf("run init script: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("init script exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	d.logger.Info("provisioned sandbox user", "user", userID, "docker_user", userName)
	return nil
}

func (d *Dispatcher) acquire(ctx context.Context) error {
	select {
	case d.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) release() {
	<-d.slots
}
