// Package main implements semgatectl, the operator CLI for a running semgate.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/semgate/alert"
	"github.com/c360/semgate/circuit"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/orchestrator"
)

var version = "0.1.0"

type options struct {
	server  string
	token   string
	output  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "semgatectl",
		Short:         "Operate a running semgate gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", getEnv("SEMGATE_SERVER", "http://localhost:8080"), "Gateway base URL (env: SEMGATE_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("SEMGATE_TOKEN"), "Bearer token for privileged commands (env: SEMGATE_TOKEN)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 150*time.Second, "Request timeout")

	root.AddCommand(
		statusCmd(opts),
		healthCmd(opts),
		actionCmd(opts),
		resetCmd(opts),
		metricsCmd(opts),
		alertsCmd(opts),
		versionCmd(),
	)
	return root
}

func (o *options) client() *client {
	return newClient(o.server, o.token, o.timeout)
}

func (o *options) validate() error {
	if o.output != "table" && o.output != "json" {
		return fmt.Errorf("invalid output format %q: want table or json", o.output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show the operational state of services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			var states []circuit.OperationalState
			if len(args) == 1 {
				var st circuit.OperationalState
				if _, err := opts.client().do(cmd.Context(), http.MethodGet,
					"/orchestrator/services/"+url.PathEscape(args[0])+"/status", nil, &st); err != nil {
					return err
				}
				states = append(states, st)
			} else {
				var resp struct {
					Services []circuit.OperationalState `json:"services"`
				}
				if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/orchestrator/status-all", nil, &resp); err != nil {
					return err
				}
				states = resp.Services
			}

			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), states)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tSTATE\tGRADE\tFAILURES\tBACKOFF\tACTION")
			for _, st := range states {
				backoff := "-"
				if st.BackoffRemaining > 0 {
					backoff = (time.Duration(st.BackoffRemaining) * time.Second).String()
				}
				action := st.Action
				if action == "" {
					action = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", st.Service, st.State, st.Grade, st.Failures, backoff, action)
			}
			return tw.Flush()
		},
	}
}

func healthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health [service]",
		Short: "Show gateway health or the latest probe of one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if len(args) == 1 {
				var rec health.Record
				if _, err := opts.client().do(cmd.Context(), http.MethodGet,
					"/services/"+url.PathEscape(args[0])+"/health", nil, &rec); err != nil {
					return err
				}
				if opts.output == "json" {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s) %dms", rec.Service, rec.Status, rec.Level, rec.LatencyMs)
				if rec.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " error=%q", rec.Error)
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			}

			var report health.Status
			// 503 still carries the report
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, &report,
				http.StatusServiceUnavailable); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), report)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "GATEWAY\t%s\t%s\n", strings.ToUpper(report.Status), report.Message)
			for _, sub := range report.SubStatuses {
				crit := ""
				if sub.Critical {
					crit = "critical"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sub.Component, sub.Status, crit, sub.Message)
			}
			return tw.Flush()
		},
	}
}

func actionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "action <service> <start|stop|restart>",
		Short:     "Start, stop or restart a service",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{circuit.ActionStart, circuit.ActionStop, circuit.ActionRestart},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if !circuit.ValidAction(args[1]) {
				return fmt.Errorf("invalid action %q: want start, stop or restart", args[1])
			}

			var out struct {
				orchestrator.Outcome
				Error string `json:"error"`
			}
			status, err := opts.client().do(cmd.Context(), http.MethodPost,
				"/orchestrator/services/"+url.PathEscape(args[0])+"/actions",
				map[string]string{"action": args[1]}, &out,
				http.StatusBadGateway, http.StatusGatewayTimeout)
			if err != nil {
				return err
			}

			if opts.output == "json" {
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s %s: success=%t exit=%d state=%s\n", out.Service, out.Action, out.Success, out.ExitCode, out.State)
				if out.Stdout != "" {
					fmt.Fprintf(w, "--- stdout\n%s\n", strings.TrimRight(out.Stdout, "\n"))
				}
				if out.Stderr != "" {
					fmt.Fprintf(w, "--- stderr\n%s\n", strings.TrimRight(out.Stderr, "\n"))
				}
			}
			if status != http.StatusOK {
				return &apiError{Status: status, Message: out.Error}
			}
			return nil
		},
	}
}

func resetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <service>",
		Short: "Clear the circuit breaker of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				State circuit.OperationalState `json:"state"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost,
				"/orchestrator/services/"+url.PathEscape(args[0])+"/reset", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset, now %s\n", args[0], resp.State.State)
			return nil
		},
	}
}

func metricsCmd(opts *options) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show request metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			c := opts.client()
			if reset {
				if _, err := c.do(cmd.Context(), http.MethodPost, "/metrics/reset", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "metrics reset")
				return nil
			}

			var snap metric.GatewaySnapshot
			if _, err := c.do(cmd.Context(), http.MethodGet, "/metrics", nil, &snap); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "total requests\t%d\n", snap.TotalRequests)
			fmt.Fprintf(tw, "active connections\t%d\n", snap.ActiveConnections)
			fmt.Fprintf(tw, "avg response\t%.1fms (%d samples)\n", snap.AvgResponseMs, snap.Samples)
			fmt.Fprintf(tw, "uptime\t%s\n", (time.Duration(snap.UptimeSeconds) * time.Second).String())
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "Reset request counters instead of showing them")
	return cmd
}

func alertsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show recent alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			var resp struct {
				Alerts []alert.Record `json:"alerts"`
			}
			path := fmt.Sprintf("/orchestrator/alerts?limit=%d", limit)
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp.Alerts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tPRIORITY\tSERVICE\tTITLE\tDELIVERY")
			for _, a := range resp.Alerts {
				delivery := "sent"
				switch {
				case a.Suppressed:
					delivery = "suppressed"
				case !a.Delivered:
					delivery = "failed"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Time.Format(time.RFC3339), a.Priority, a.Service, a.Title, delivery)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of alerts")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "semgatectl %s\n", version)
		},
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
