package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wippyai/dualvm"
	"github.com/wippyai/dualvm/engine"
	"github.com/wippyai/dualvm/supervisor"
)

type runOptions struct {
	hostData     string
	hostDataFile string
	jsonOutput   bool
	interactive  bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <runner>",
		Short: "Execute a runner in both modes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.hostData, "host-data", "", "opaque host data passed to the guest")
	cmd.Flags().StringVar(&opts.hostDataFile, "host-data-file", "", "read host data from a file")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the report as JSON")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "show live progress (terminal only)")
	return cmd
}

func (a *app) run(cmd *cobra.Command, runner string, opts runOptions) error {
	ctx := cmd.Context()
	hostData := opts.hostData
	if opts.hostDataFile != "" {
		data, err := os.ReadFile(opts.hostDataFile)
		if err != nil {
			return fmt.Errorf("read host data: %w", err)
		}
		hostData = string(data)
	}

	svc, err := a.services(ctx)
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	req := supervisor.Request{Runner: runner, HostData: hostData, Debug: a.cfg.Debug}

	var report *supervisor.Report
	if opts.interactive && isTerminal(cmd.OutOrStdout()) {
		report, err = runInteractive(ctx, svc.sup, req)
		if err != nil {
			return err
		}
	} else {
		report, _ = svc.sup.Execute(ctx, req)
	}

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		writeReport(out, report)
	}
	return exitStatus(report)
}

func exitStatus(r *supervisor.Report) error {
	switch r.State {
	case supervisor.StateFailed:
		return &ExitError{Code: 1, Err: r.Err}
	case supervisor.StateCancelled:
		return &ExitError{Code: 130}
	}
	for _, mode := range dualvm.Modes {
		if r.Results.Get(mode).Status != engine.StatusCompleted {
			return &ExitError{Code: 2}
		}
	}
	return nil
}

func writeReport(w io.Writer, r *supervisor.Report) {
	fmt.Fprintf(w, "execution %s: %s\n", r.ID, r.State)
	if r.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", r.Err)
	}
	if r.State == supervisor.StateFailed {
		return
	}
	for _, mode := range dualvm.Modes {
		res := r.Results.Get(mode)
		fmt.Fprintf(w, "%s: %s exit=%d elapsed=%s peak_pages=%d\n",
			mode, res.Status, res.ExitCode, res.Elapsed.Round(time.Microsecond), res.PeakPages)
		if res.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", res.Err)
		}
		if res.Output.Stdout != "" {
			fmt.Fprintf(w, "  stdout: %q\n", res.Output.Stdout)
		}
		if res.Output.Stderr != "" {
			fmt.Fprintf(w, "  stderr: %q\n", res.Output.Stderr)
		}
		if res.Output.Truncated {
			fmt.Fprintln(w, "  (output truncated)")
		}
	}
}

type jsonResult struct {
	Status    string        `json:"status"`
	ExitCode  uint32        `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	PeakPages uint64        `json:"peak_pages"`
}

type jsonReport struct {
	ID      string                `json:"id"`
	Runner  string                `json:"runner"`
	State   string                `json:"state"`
	Error   string                `json:"error,omitempty"`
	Results map[string]jsonResult `json:"results,omitempty"`
	Metrics any                   `json:"metrics"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeJSON(w io.Writer, r *supervisor.Report) error {
	out := jsonReport{
		ID:      r.ID,
		Runner:  r.Runner,
		State:   r.State.String(),
		Error:   errString(r.Err),
		Metrics: r.Metrics,
	}
	if r.State != supervisor.StateFailed {
		out.Results = map[string]jsonResult{}
		for _, mode := range dualvm.Modes {
			res := r.Results.Get(mode)
			out.Results[mode.String()] = jsonResult{
				Status:    res.Status.String(),
				ExitCode:  res.ExitCode,
				Stdout:    res.Output.Stdout,
				Stderr:    res.Output.Stderr,
				Truncated: res.Output.Truncated,
				Error:     errString(res.Err),
				Elapsed:   res.Elapsed,
				PeakPages: res.PeakPages,
			}
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
