package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/api"
	"github.com/kingrea/stepflow/internal/config"
	"github.com/kingrea/stepflow/internal/contracts"
	"github.com/kingrea/stepflow/internal/engine"
	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/executor"
	"github.com/kingrea/stepflow/internal/executor/builtin"
	"github.com/kingrea/stepflow/internal/tui"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/resolver"
)

const shutdownTimeout = 10 * time.Second

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the state directory and default config",
		Long: `Create the state directory layout:

  .stepflow/
  ├── config.yaml
  ├── checkpoints/
  └── logs/

An existing config.yaml is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := opts.stateDir
			if dir == "" {
				dir = config.StateDir
			}
			if err := config.Init(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", dir)
			return nil
		},
	}
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	var strict, plan bool
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check workflow definitions without running them",
		Long: `Load each definition and report structural errors. Agents that no
configured executor serves are reported too; with --strict a required step
without an executor fails validation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			registry := executor.NewRegistry()
			if err := builtin.RegisterAll(registry, cfg.Executors); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var failed int
			for _, path := range args {
				report, err := contracts.CheckFile(path, registry)
				if err != nil {
					failed++
					fmt.Fprintf(out, "invalid %s: %v\n", path, err)
					continue
				}
				wf := report.Workflow
				fmt.Fprintf(out, "ok %s: %s (%d steps, %s)\n", path, wf.ID(), wf.Len(), wf.Kind())
				if plan {
					if err := printPlan(out, wf); err != nil {
						return err
					}
				}
				for _, warn := range report.Warnings {
					fmt.Fprintf(out, "  warning: %v\n", warn)
				}
				for _, cerr := range report.Errors {
					fmt.Fprintf(out, "  unserved: %v\n", cerr)
				}
				if strict && !report.IsValid() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when a required step has no executor")
	cmd.Flags().BoolVar(&plan, "plan", false, "print the dispatch waves assuming every step succeeds")
	return cmd
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run <file|workflow-id>",
		Short: "Start a workflow run and wait for it to stop",
		Long: `Start a run of the workflow at <file>, or of a workflow loaded from the
workflow directory by id. The command returns when the run completes, fails,
or pauses. Ctrl-C pauses the run; resume it later with "stepflow resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			wf, err := a.resolveWorkflow(args[0])
			if err != nil {
				return err
			}
			stopServer, err := a.maybeServe(ctx)
			if err != nil {
				return err
			}
			defer stopServer()

			var summary engine.Summary
			if watch {
				summary, err = a.watch(ctx, cmd.OutOrStdout(), wf)
			} else {
				summary, err = a.engine.Run(ctx, wf)
			}
			if summary.RunID != "" {
				if perr := printSummary(cmd.OutOrStdout(), summary, opts.jsonOutput); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress in a live terminal view")
	return cmd
}

// watch starts wf and renders its events until the run stops. Quitting the
// view pauses the run.
func (a *app) watch(ctx context.Context, out io.Writer, wf *workflow.Workflow) (engine.Summary, error) {
	// Subscribe before starting so a short run cannot finish unseen.
	all := a.bus.Subscribe("")
	defer all.Close()
	runID, err := a.engine.Start(ctx, wf)
	if err != nil {
		return engine.Summary{}, err
	}
	done := make(chan struct{})
	defer close(done)

	view := tui.NewWatch(wf, runID, runEvents(all.Events, runID, done))
	program := tea.NewProgram(view, tea.WithContext(ctx), tea.WithOutput(out))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		a.logger.Warn("watch view stopped", zap.Error(err))
	}
	if view.Detached() {
		if err := a.engine.Pause(runID); err != nil && !errors.Is(err, engine.ErrUnknownRun) {
			return engine.Summary{}, err
		}
	}
	return a.engine.Wait(context.WithoutCancel(ctx), runID)
}

// runEvents narrows a wildcard subscription to one run until done closes or
// the subscription ends.
func runEvents(in <-chan events.Event, runID string, done <-chan struct{}) <-chan events.Event {
	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.RunID != runID {
				continue
			}
			select {
			case out <- ev:
			case <-done:
				return
			}
		}
	}()
	return out
}

// maybeServe starts the status API for the lifetime of a command when
// api.enabled is set.
func (a *app) maybeServe(ctx context.Context) (func(), error) {
	if !a.cfg.API.Enabled {
		return func() {}, nil
	}
	server, err := a.newServer()
	if err != nil {
		return nil, err
	}
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("api shutdown", zap.Error(err))
		}
	}, nil
}

func newResumeCmd(opts *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a paused or interrupted run from its latest checkpoint",
		Long: `Continue a paused or interrupted run from its latest checkpoint.

The definition is looked up in the workflow directory, then in the file the
run was started from. Use --file when that file has moved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if file != "" {
				if _, err := a.resolveWorkflow(file); err != nil {
					return err
				}
			}
			stopServer, err := a.maybeServe(ctx)
			if err != nil {
				return err
			}
			defer stopServer()

			runID := args[0]
			resumeErr := a.engine.Resume(ctx, runID)
			var integrity *engine.ResumeIntegrityError
			if resumeErr != nil && !errors.As(resumeErr, &integrity) {
				return resumeErr
			}
			summary, err := a.engine.Wait(context.WithoutCancel(ctx), runID)
			if perr := printSummary(cmd.OutOrStdout(), summary, opts.jsonOutput); perr != nil {
				return perr
			}
			if resumeErr != nil {
				return resumeErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "workflow definition to resume with")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the latest checkpointed state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			summary, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary, opts.jsonOutput)
		},
	}
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List known runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			runs, err := a.engine.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tCOMPLETED\tUPDATED")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", run.RunID, run.WorkflowID, run.Status, len(run.Completed), formatTime(run.UpdatedAt))
			}
			return tw.Flush()
		},
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run status API",
		Long: `Serve run status and control over HTTP:

  GET  /healthz
  GET  /runs
  GET  /runs/:id
  GET  /runs/:id/events   (server-sent events)
  POST /runs/:id/pause
  POST /runs/:id/resume
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("host") {
				a.cfg.API.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.API.Port = port
			}
			server, err := a.newServer()
			if err != nil {
				return err
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving on http://%s\n", server.Addr())
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "override api.host")
	cmd.Flags().IntVar(&port, "port", 0, "override api.port")
	return cmd
}

var _ api.Runner = (*engine.Engine)(nil)

func printPlan(out io.Writer, wf *workflow.Workflow) error {
	r, err := resolver.New(wf)
	if err != nil {
		return err
	}
	for i, wave := range r.Waves() {
		labels := make([]string, 0, len(wave))
		for _, id := range wave {
			node, _ := r.Node(id)
			label := id
			if node.Gated {
				label += " (gate)"
			}
			if node.Optional {
				label += " (optional)"
			}
			labels = append(labels, label)
		}
		fmt.Fprintf(out, "  wave %d: %s\n", i+1, strings.Join(labels, ", "))
	}
	return nil
}

func printSummary(out io.Writer, s engine.Summary, asJSON bool) error {
	if asJSON {
		return writeJSON(out, s)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run:\t%s\n", s.RunID)
	fmt.Fprintf(tw, "workflow:\t%s\n", s.WorkflowID)
	fmt.Fprintf(tw, "status:\t%s\n", s.Status)
	if s.CurrentStep != "" {
		fmt.Fprintf(tw, "current:\t%s\n", s.CurrentStep)
	}
	if len(s.InFlight) > 0 {
		fmt.Fprintf(tw, "in flight:\t%s\n", strings.Join(s.InFlight, ", "))
	}
	fmt.Fprintf(tw, "completed:\t%s\n", joinOrDash(s.Completed))
	if len(s.Skipped) > 0 {
		ids := make([]string, 0, len(s.Skipped))
		for id := range s.Skipped {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%s (%s)", id, s.Skipped[id]))
		}
		fmt.Fprintf(tw, "skipped:\t%s\n", strings.Join(parts, ", "))
	}
	for _, art := range s.Artifacts {
		fmt.Fprintf(tw, "artifact:\t%s from %s [%s]\n", art.Name, art.Producer, art.Status)
	}
	if s.Diagnostic != "" {
		fmt.Fprintf(tw, "diagnostic:\t%s\n", s.Diagnostic)
	}
	if s.Degraded {
		fmt.Fprintf(tw, "durability:\tdegraded\n")
	}
	fmt.Fprintf(tw, "sequence:\t%d\n", s.Sequence)
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
