package dataflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// DefaultBinary is the runtime CLI looked up on PATH.
const DefaultBinary = "dora"

// DefaultTimeout bounds one CLI invocation.
const DefaultTimeout = 30 * time.Second

// Runner executes a command and returns its standard output and error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIController drives the runtime through its command line interface.
type CLIController struct {
	bin     string
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// CLIOption configures a CLIController.
type CLIOption func(*CLIController)

// WithRunner replaces the process runner.
func WithRunner(r Runner) CLIOption {
	return func(c *CLIController) { c.runner = r }
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) CLIOption {
	return func(c *CLIController) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CLIOption {
	return func(c *CLIController) { c.logger = l }
}

// NewCLIController creates a controller invoking bin. An empty bin uses DefaultBinary.
func NewCLIController(bin string, opts ...CLIOption) *CLIController {
	if bin == "" {
		bin = DefaultBinary
	}
	c := &CLIController{
		bin:     bin,
		runner:  ExecRunner{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "dataflow", "bin", bin)
	return c
}

// Binary returns the CLI the controller invokes.
func (c *CLIController) Binary() string {
	return c.bin
}

func (c *CLIController) List(ctx context.Context) ([]Entry, error) {
	out, err := c.run(ctx, "list", "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	return ParseList(out)
}

func (c *CLIController) Start(ctx context.Context, path string) (uuid.UUID, error) {
	if strings.TrimSpace(path) == "" {
		return uuid.Nil, fault.InvalidQuery("dataflow path is required")
	}
	out, err := c.run(ctx, "start", "start", path, "--detach")
	if err != nil {
		return uuid.Nil, err
	}
	id, ok := findID(out)
	if !ok {
		return uuid.Nil, fault.MalformedResponse(fault.NoRow, "start output carries no dataflow id: %q", truncate(string(out), 200))
	}
	return id, nil
}

func (c *CLIController) Stop(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.InvalidQuery("dataflow id is required")
	}
	_, err := c.run(ctx, "stop", "stop", id.String())
	return err
}

func (c *CLIController) Destroy(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fault.InvalidQuery("dataflow id is required")
	}
	_, err := c.run(ctx, "destroy", "stop", id.String(), "--grace-duration", "0s")
	return err
}

func (c *CLIController) Logs(ctx context.Context, id uuid.UUID, node string) (string, error) {
	if id == uuid.Nil {
		return "", fault.InvalidQuery("dataflow id is required")
	}
	if strings.TrimSpace(node) == "" {
		return "", fault.InvalidQuery("node name is required")
	}
	out, err := c.run(ctx, "logs", "logs", id.String(), node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *CLIController) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := c.runner.Run(ctx, c.bin, args...)
	if err != nil {
		err = c.classify(ctx, op, stderr, err)
		c.logger.WarnContext(ctx, "dataflow command failed",
			"op", op,
			"error_kind", fault.KindOf(err),
			"error", err,
		)
		return nil, err
	}

	c.logger.DebugContext(ctx, "dataflow command succeeded",
		"op", op,
		"bytes", len(stdout),
		"elapsed", time.Since(start),
	)
	return stdout, nil
}

func (c *CLIController) classify(ctx context.Context, op string, stderr []byte, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Timeout(err, "dataflow "+op)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fault.Unreachable(err, "dataflow runtime cli %q not found", c.bin)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = exitErr.Error()
		}
		if looksUnreachable(msg) {
			return fault.Unreachable(err, "dataflow %s: %s", op, truncate(msg, 500))
		}
		return fault.BackendError("dataflow %s: %s", op, truncate(msg, 500))
	}
	return fault.Classify(err, "dataflow "+op)
}

// looksUnreachable reports whether CLI output says the coordinator is down.
func looksUnreachable(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"connection refused", "could not connect", "failed to connect", "coordinator is not running"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// findID returns the first UUID among the whitespace-separated fields of out.
func findID(out []byte) (uuid.UUID, bool) {
	for _, f := range strings.Fields(string(out)) {
		f = strings.Trim(f, "\"'`,.:;()[]{}")
		if id, err := uuid.Parse(f); err == nil {
			return id, true
		}
	}
	return uuid.Nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
