package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/pkg/buffer"
)

// DefaultOutputLimit is how many trailing bytes of stdout and stderr are kept.
const DefaultOutputLimit = 512

// Result is the outcome of a process-manager command.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ProcessController starts, stops and restarts services. Implementations must
// honour ctx cancellation and must not leave the command running past it.
type ProcessController interface {
	Run(ctx context.Context, key, action string) (Result, error)
}

// ControllerFunc adapts a function to ProcessController.
type ControllerFunc func(ctx context.Context, key, action string) (Result, error)

// Run implements ProcessController.
func (f ControllerFunc) Run(ctx context.Context, key, action string) (Result, error) {
	return f(ctx, key, action)
}

// ExecController runs configured argv per service and action.
type ExecController struct {
	commands map[string]map[string][]string
	limit    int
	grace    time.Duration
	logger   *slog.Logger
}

// NewExecController creates a controller for commands, keyed by service then action.
func NewExecController(commands map[string]map[string][]string, limit int, logger *slog.Logger) *ExecController {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecController{
		commands: commands,
		limit:    limit,
		grace:    2 * time.Second,
		logger:   logger.With("component", "exec-controller"),
	}
}

// Run executes the command configured for key and action. A non-zero exit is
// reported in Result and as ErrActionFailed.
func (c *ExecController) Run(ctx context.Context, key, action string) (Result, error) {
	argv := c.commands[key][action]
	if len(argv) == 0 {
		return Result{ExitCode: -1}, errors.WrapInvalid(
			fmt.Errorf("%s %s: %w", action, key, errors.ErrNoController),
			"ExecController", "Run", "lookup command")
	}

	stdout, stderr := buffer.NewTail(c.limit), buffer.NewTail(c.limit)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// kill the whole group so children of a shell wrapper die too
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = c.grace

	c.logger.Info("running action", "service", key, "action", action, "argv", argv)
	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		return res, fmt.Errorf("%s %s: %w: %v", action, key, errors.ErrActionFailed, err)
	}
	return res, nil
}
