package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/dorastudio/cli/internal/output"
	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/services/dataflow"
	"github.com/instantcocoa/dorastudio/services/observe"
	"github.com/instantcocoa/dorastudio/services/studio"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of dataflows and recent spans",
	Long: `Refresh the connection status, the dataflow list and the most recent
spans every STUDIO_REFRESH_INTERVAL until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		limit, _ := cmd.Flags().GetInt("limit")
		iterations, _ := cmd.Flags().GetInt("iterations")

		return withStudioContext(cmd.Context(), func(ctx context.Context, s *studio.Studio) error {
			v := &watchView{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), service: service, limit: limit}
			s.OnRefresh(func(now time.Time) { v.refresh(s, now) })

			err := runFrames(ctx, s, func() bool {
				return iterations > 0 && v.rendered >= iterations
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	},
}

func init() {
	watchCmd.Flags().String("service", "", "Only spans of this service")
	watchCmd.Flags().Int("limit", 10, "Spans shown per refresh")
	watchCmd.Flags().Int("iterations", 0, "Stop after this many refreshes (0 runs until interrupted)")
}

// watchView holds the latest state of each panel. It is only touched from the
// frame loop.
type watchView struct {
	out     io.Writer
	errOut  io.Writer
	service string
	limit   int

	status   studio.ConnectionStatus
	entries  []dataflow.Entry
	spans    []observe.Span
	flowErr  error
	spanErr  error
	pending  int
	rendered int
}

// refresh submits one request per panel; the view renders once all have
// answered.
func (v *watchView) refresh(s *studio.Studio, now time.Time) {
	if v.pending > 0 {
		return
	}

	q := observe.TraceQuery{
		Range:  observe.Since(now, time.Hour),
		Filter: eqIfSet("service", v.service),
		Limit:  v.limit,
	}
	if _, err := s.QueryTraces("watch.spans", q, func(r bridge.Response[observe.Result]) {
		v.spans, v.spanErr = r.Value.Spans, r.Err
		v.settle(s)
	}); err == nil {
		v.pending++
	} else {
		v.spanErr = err
	}

	if _, err := s.Dataflow("watch.dataflows", dataflow.Request{Op: dataflow.OpList}, func(r bridge.Response[dataflow.Result]) {
		v.entries, v.flowErr = r.Value.Entries, r.Err
		v.settle(s)
	}); err == nil {
		v.pending++
	} else {
		v.flowErr = err
	}

	if v.pending == 0 {
		v.render(s)
	}
}

func (v *watchView) settle(s *studio.Studio) {
	v.pending--
	if v.pending == 0 {
		v.render(s)
	}
}

func (v *watchView) render(s *studio.Studio) {
	v.status = s.Status()
	v.rendered++

	w := output.NewWriter("table").WithOutput(v.out)
	fmt.Fprintf(v.out, "\n%s  %s %s\n\n", time.Now().Format("15:04:05"), s.Backend().Name(), v.status)

	if v.flowErr != nil {
		output.Error(v.out, "dataflows: %v", v.flowErr)
	} else if err := w.Print(entryTable(v.entries)); err != nil {
		output.Error(v.errOut, "%v", err)
	}
	fmt.Fprintln(v.out)

	if v.spanErr != nil {
		output.Error(v.out, "spans: %v", v.spanErr)
	} else if err := w.Print(spanTable(v.spans)); err != nil {
		output.Error(v.errOut, "%v", err)
	}
}
