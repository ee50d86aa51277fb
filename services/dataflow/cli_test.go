package dataflow

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/pkg/testutil"
)

type fakeRun struct {
	stdout string
	stderr string
	err    error
	block  bool
}

// fakeRunner answers by subcommand and records invocations.
type fakeRunner struct {
	mu    sync.Mutex
	runs  map[string]fakeRun
	calls [][]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(map[string]fakeRun)}
}

func (r *fakeRunner) on(sub string, run fakeRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[sub] = run
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	run, ok := r.runs[args[0]]
	r.mu.Unlock()

	if !ok {
		return nil, nil, errors.New("unexpected command " + strings.Join(args, " "))
	}
	if run.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return []byte(run.stdout), []byte(run.stderr), run.err
}

func (r *fakeRunner) lastCall() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return strings.Join(r.calls[len(r.calls)-1], " ")
}

// exitError produces a real *exec.ExitError.
func exitError(t *testing.T) error {
	t.Helper()
	err := exec.Command("sh", "-c", "exit 3").Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Skipf("cannot produce exit error: %v", err)
	}
	return err
}

func newTestController(t *testing.T, r Runner, opts ...CLIOption) *CLIController {
	t.Helper()
	opts = append([]CLIOption{WithRunner(r), WithLogger(testutil.DiscardLogger())}, opts...)
	return NewCLIController("dora", opts...)
}

func TestCLIController_List(t *testing.T) {
	r := newFakeRunner()
	r.on("list", fakeRun{stdout: `{"uuid":"` + idA + `","name":"camera","status":"Running","nodes":2}` + "\n"})
	c := newTestController(t, r)

	entries, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "camera" || entries[0].NodeCount != 2 {
		t.Errorf("List() = %+v", entries)
	}
	if got := r.lastCall(); got != "dora list --format json" {
		t.Errorf("command = %q", got)
	}
}

func TestCLIController_Start(t *testing.T) {
	r := newFakeRunner()
	r.on("start", fakeRun{stdout: "dataflow start triggered: " + idA + "\n"})
	c := newTestController(t, r)

	id, err := c.Start(context.Background(), "dataflow.yml")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id != uuid.MustParse(idA) {
		t.Errorf("Start() = %s, want %s", id, idA)
	}
	if got := r.lastCall(); got != "dora start dataflow.yml --detach" {
		t.Errorf("command = %q", got)
	}

	r.on("start", fakeRun{stdout: "started\n"})
	_, err = c.Start(context.Background(), "dataflow.yml")
	if fault.KindOf(err) != fault.KindMalformedResponse {
		t.Errorf("Start() without id error = %v, want malformed response", err)
	}

	_, err = c.Start(context.Background(), " ")
	if fault.KindOf(err) != fault.KindInvalidQuery {
		t.Errorf("Start(\"\") error = %v, want invalid query", err)
	}
}

func TestCLIController_StopDestroyLogs(t *testing.T) {
	r := newFakeRunner()
	r.on("stop", fakeRun{})
	r.on("logs", fakeRun{stdout: "frame 1\nframe 2\n"})
	c := newTestController(t, r)
	ctx := context.Background()
	id := uuid.MustParse(idA)

	if err := c.Stop(ctx, id); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := r.lastCall(); got != "dora stop "+idA {
		t.Errorf("stop command = %q", got)
	}

	if err := c.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if got := r.lastCall(); got != "dora stop "+idA+" --grace-duration 0s" {
		t.Errorf("destroy command = %q", got)
	}

	logs, err := c.Logs(ctx, id, "camera")
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if logs != "frame 1\nframe 2\n" {
		t.Errorf("Logs() = %q", logs)
	}

	if err := c.Stop(ctx, uuid.Nil); fault.KindOf(err) != fault.KindInvalidQuery {
		t.Errorf("Stop(nil) error = %v, want invalid query", err)
	}
	if _, err := c.Logs(ctx, id, ""); fault.KindOf(err) != fault.KindInvalidQuery {
		t.Errorf("Logs(no node) error = %v, want invalid query", err)
	}
}

func TestCLIController_ErrorClassification(t *testing.T) {
	exitErr := exitError(t)

	tests := []struct {
		name     string
		run      fakeRun
		wantKind fault.Kind
	}{
		{"binary missing", fakeRun{err: &exec.Error{Name: "dora", Err: exec.ErrNotFound}}, fault.KindUnreachable},
		{"coordinator down", fakeRun{stderr: "Error: could not connect to dora coordinator", err: exitErr}, fault.KindUnreachable},
		{"command failed", fakeRun{stderr: "no dataflow with uuid", err: exitErr}, fault.KindBackendError},
		{"timeout", fakeRun{block: true}, fault.KindTimeout},
		{"garbage output", fakeRun{stdout: `[{"uuid":`}, fault.KindParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			r.on("list", tt.run)
			c := newTestController(t, r, WithTimeout(20*time.Millisecond))

			_, err := c.List(context.Background())
			if got := fault.KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v (err = %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestFindID(t *testing.T) {
	tests := []struct {
		out    string
		wantOK bool
	}{
		{idA, true},
		{"started (" + idA + ").", true},
		{`{"uuid": "` + idA + `"}`, true},
		{"no id here", false},
	}
	for _, tt := range tests {
		id, ok := findID([]byte(tt.out))
		if ok != tt.wantOK {
			t.Errorf("findID(%q) ok = %v, want %v", tt.out, ok, tt.wantOK)
		}
		if ok && id != uuid.MustParse(idA) {
			t.Errorf("findID(%q) = %s", tt.out, id)
		}
	}
}
