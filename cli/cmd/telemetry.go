package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/dorastudio/cli/internal/output"
	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/services/observe"
	"github.com/instantcocoa/dorastudio/services/studio"
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Query spans",
	Long:  "Query spans, newest first. The default window is the last hour.",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := traceQueryFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			res, err := roundTrip(ctx, s, func(apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
				return s.QueryTraces("traces", q, apply)
			})
			if err != nil {
				return fmt.Errorf("failed to query traces: %w", err)
			}
			return writer(cmd).PrintEither(res.Spans, spanTable(res.Spans))
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query log records",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := logQueryFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			res, err := roundTrip(ctx, s, func(apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
				return s.QueryLogs("logs", q, apply)
			})
			if err != nil {
				return fmt.Errorf("failed to query logs: %w", err)
			}
			return writer(cmd).PrintEither(res.Logs, logTable(res.Logs))
		})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Query metric series",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := metricQueryFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			res, err := roundTrip(ctx, s, func(apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
				return s.QueryMetrics("metrics", q, apply)
			})
			if err != nil {
				return fmt.Errorf("failed to query metrics: %w", err)
			}
			series := observe.GroupSeries(res.Metrics)
			return writer(cmd).PrintEither(series, seriesTable(series))
		})
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List instrumented services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			res, err := roundTrip(ctx, s, func(apply func(bridge.Response[observe.Result])) (bridge.CorrelationID, error) {
				return s.ListServices("services", apply)
			})
			if err != nil {
				return fmt.Errorf("failed to list services: %w", err)
			}
			return writer(cmd).PrintEither(res.Services, serviceTable(res.Services))
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the telemetry backend connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			var st *studio.ConnectionStatus
			if _, err := s.CheckHealth(func(got studio.ConnectionStatus) { st = &got }); err != nil {
				return err
			}
			if err := runFrames(ctx, s, func() bool { return st != nil }); err != nil {
				return err
			}

			w := writer(cmd)
			if w.Structured() {
				return w.Print(map[string]string{
					"backend": s.Backend().Name(),
					"state":   st.State.String(),
					"message": st.Message,
				})
			}
			if st.State != studio.StateConnected {
				output.Error(cmd.ErrOrStderr(), "%s: %s", s.Backend().Name(), st)
				return fmt.Errorf("backend unhealthy")
			}
			output.Success(cmd.OutOrStdout(), "%s: %s", s.Backend().Name(), st)
			return nil
		})
	},
}

func init() {
	addTraceFlags(tracesCmd)
	addLogFlags(logsCmd)
	addMetricFlags(metricsCmd)
}

func addTraceFlags(cmd *cobra.Command) {
	addWindowFlags(cmd)
	cmd.Flags().String("service", "", "Filter by service name")
	cmd.Flags().String("operation", "", "Filter by operation name")
	cmd.Flags().String("status", "", "Filter by span status (ok, error)")
	cmd.Flags().Duration("min-duration", 0, "Minimum span duration")
	cmd.Flags().String("trace-id", "", "Only spans of this trace")
}

func addLogFlags(cmd *cobra.Command) {
	addWindowFlags(cmd)
	cmd.Flags().String("service", "", "Filter by service name")
	cmd.Flags().String("severity", "", "Filter by severity text")
	cmd.Flags().String("contains", "", "Only records whose body contains this text")
	cmd.Flags().String("trace-id", "", "Only records of this trace")
}

func addMetricFlags(cmd *cobra.Command) {
	addWindowFlags(cmd)
	cmd.Flags().String("name", "", "Metric name")
	cmd.Flags().String("service", "", "Filter by service name")
	cmd.Flags().String("aggregation", "", "Aggregation (avg, sum, min, max, count, rate)")
	cmd.Flags().Duration("step", 0, "Step interval")
	cmd.Flags().StringSlice("group-by", nil, "Group series by these labels")
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("since", time.Hour, "Query window ending now")
	cmd.Flags().Int("limit", 0, "Maximum rows (0 for the backend default)")
	cmd.Flags().Int("offset", 0, "Rows to skip")
}

func windowFromFlags(cmd *cobra.Command, now time.Time) (observe.TimeRange, int, int) {
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	if since <= 0 {
		since = time.Hour
	}
	return observe.Since(now, since), limit, offset
}

// conjunction joins the non-nil filters with AND.
func conjunction(filters ...*observe.Filter) *observe.Filter {
	var kept []*observe.Filter
	for _, f := range filters {
		if f != nil {
			kept = append(kept, f)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return observe.And(kept...)
	}
}

func eqIfSet(key, value string) *observe.Filter {
	if value == "" {
		return nil
	}
	return observe.Eq(key, value)
}

func traceQueryFromFlags(cmd *cobra.Command, now time.Time) (observe.TraceQuery, error) {
	r, limit, offset := windowFromFlags(cmd, now)
	service, _ := cmd.Flags().GetString("service")
	operation, _ := cmd.Flags().GetString("operation")
	status, _ := cmd.Flags().GetString("status")
	traceID, _ := cmd.Flags().GetString("trace-id")
	minDuration, _ := cmd.Flags().GetDuration("min-duration")

	var durationFilter *observe.Filter
	if minDuration > 0 {
		durationFilter = observe.Gte("duration_ms", float64(minDuration)/float64(time.Millisecond))
	}

	q := observe.TraceQuery{
		Range: r,
		Filter: conjunction(
			eqIfSet("service", service),
			eqIfSet("operation", operation),
			eqIfSet("status", strings.ToLower(status)),
			eqIfSet("trace_id", traceID),
			durationFilter,
		),
		Limit:  limit,
		Offset: offset,
	}
	return q, q.Validate()
}

func logQueryFromFlags(cmd *cobra.Command, now time.Time) (observe.LogQuery, error) {
	r, limit, offset := windowFromFlags(cmd, now)
	service, _ := cmd.Flags().GetString("service")
	severity, _ := cmd.Flags().GetString("severity")
	contains, _ := cmd.Flags().GetString("contains")
	traceID, _ := cmd.Flags().GetString("trace-id")

	var bodyFilter *observe.Filter
	if contains != "" {
		bodyFilter = observe.Contains("body", contains)
	}

	q := observe.LogQuery{
		Range: r,
		Filter: conjunction(
			eqIfSet("service", service),
			eqIfSet("severity", strings.ToUpper(severity)),
			eqIfSet("trace_id", traceID),
			bodyFilter,
		),
		Limit:  limit,
		Offset: offset,
	}
	return q, q.Validate()
}

func metricQueryFromFlags(cmd *cobra.Command, now time.Time) (observe.MetricQuery, error) {
	r, limit, _ := windowFromFlags(cmd, now)
	name, _ := cmd.Flags().GetString("name")
	service, _ := cmd.Flags().GetString("service")
	aggregation, _ := cmd.Flags().GetString("aggregation")
	step, _ := cmd.Flags().GetDuration("step")
	groupBy, _ := cmd.Flags().GetStringSlice("group-by")

	q := observe.MetricQuery{
		Range:       r,
		Filter:      eqIfSet("service", service),
		Limit:       limit,
		Metric:      name,
		Aggregation: observe.Aggregation(strings.ToLower(aggregation)),
		Step:        step,
		GroupBy:     groupBy,
	}
	return q, q.Validate()
}

func spanTable(spans []observe.Span) output.Table {
	t := output.NewTable("TRACE ID", "SPAN ID", "SERVICE", "OPERATION", "DURATION", "STATUS", "TIME")
	for _, s := range spans {
		t.Append(
			output.Truncate(s.TraceID, 16),
			output.Truncate(s.SpanID, 8),
			s.ServiceName,
			s.Name,
			output.Millis(s.Duration),
			s.Status.String(),
			output.Clock(s.StartTime),
		)
	}
	return *t
}

func logTable(logs []observe.LogRecord) output.Table {
	t := output.NewTable("TIME", "SEVERITY", "SERVICE", "BODY")
	for _, l := range logs {
		t.Append(output.Clock(l.Timestamp), l.Severity, l.ServiceName, output.Truncate(l.Body, 120))
	}
	return *t
}

func seriesTable(series []observe.MetricSeries) output.Table {
	t := output.NewTable("METRIC", "LABELS", "TIME", "VALUE")
	for _, s := range series {
		labels := formatLabels(s.Labels)
		for _, p := range s.Points {
			t.Append(s.Metric, labels, output.Clock(p.Timestamp), fmt.Sprintf("%.4f", p.Value))
		}
	}
	return *t
}

func serviceTable(services []observe.ServiceInfo) output.Table {
	t := output.NewTable("SERVICE", "OPERATIONS")
	for _, s := range services {
		t.Append(s.Name, fmt.Sprintf("%d", s.NumOperations))
	}
	return *t
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ",")
}
