package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/plan"
	"github.com/aescanero/stepflow/pkg/adapters/decision"
	"github.com/aescanero/stepflow/pkg/domain"
	"github.com/aescanero/stepflow/pkg/ports"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	approve bool
	deny    bool
	jsonOut bool
	actor   string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a plan in the foreground and print its events",
		Long: `Load a YAML plan and run it to completion, printing each event.

Approval gates are answered on the terminal unless --approve or --deny is
given. Without a terminal and without either flag, gated steps are denied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.approve && opts.deny {
				return errors.New("--approve and --deny are mutually exclusive")
			}
			return runPlan(cmd.Context(), root, opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.approve, "approve", false, "approve every gate automatically")
	cmd.Flags().BoolVar(&opts.deny, "deny", false, "deny every gate automatically")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print events as JSON lines")
	cmd.Flags().StringVar(&opts.actor, "actor", "", "actor recorded on approval decisions")

	return cmd
}

func runPlan(ctx context.Context, root *rootOptions, opts *runOptions, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger := root.cfg, root.logger

	agent, err := newAgent(cfg, logger)
	if err != nil {
		logger.Debug("query steps are disabled", zap.Error(err))
		agent = offlineAgent(cfg, err, logger)
	}

	p, err := plan.NewLoader(agent, logger).LoadFile(ctx, path)
	if err != nil {
		return err
	}
	defer p.Close()

	runner := orchestrator.NewRunner(
		newPolicy(cfg, logger),
		cliDecisionSource(opts),
		orchestrator.WithLogger(logger),
		orchestrator.WithEventBufferSize(cfg.Runner.EventBufferSize),
		orchestrator.WithApprovalTimeout(cfg.Runner.ApprovalTimeout),
	)

	if cfg.Timeouts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeouts.RunTimeout)
		defer cancel()
	}

	events, outcomes := runner.Run(ctx, p.Graph, p.Context)
	for ev := range events {
		if err := printEvent(out, ev, opts.jsonOut); err != nil {
			return err
		}
	}

	outcome := <-outcomes
	if !outcome.Succeeded() {
		return fmt.Errorf("run %s %s at step %s: %w", outcome.WorkflowID, outcome.Kind, outcome.StepID, outcome.Err)
	}
	return nil
}

func cliDecisionSource(opts *runOptions) ports.DecisionSource {
	actor := opts.actor
	if actor == "" {
		actor = "cli"
	}
	switch {
	case opts.approve:
		return decision.AutoApprove(actor)
	case opts.deny:
		return decision.AutoDeny(actor, "denied from the command line")
	}

	console, err := decision.NewStdConsole(opts.actor)
	if err != nil {
		return decision.AutoDeny(actor, "no terminal to ask for approval")
	}
	return console
}

func printEvent(out io.Writer, ev domain.Event, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	line := fmt.Sprintf("%-18s", ev.Type)
	if ev.StepID != "" {
		line += " step=" + ev.StepID
	}
	switch ev.Type {
	case domain.EventTypeApprovalRequired:
		if ev.Approval == nil {
			break
		}
		line += fmt.Sprintf(" approval=%s type=%s", ev.Approval.ID, ev.Approval.ApprovalType)
	case domain.EventTypeApprovalResolved:
		if ev.Decision == nil {
			break
		}
		line += fmt.Sprintf(" approved=%t actor=%s", ev.Decision.Approved, ev.Decision.ActorID)
		if ev.Decision.Reason != "" {
			line += fmt.Sprintf(" reason=%q", ev.Decision.Reason)
		}
	case domain.EventTypeQueryExecution:
		line += fmt.Sprintf(" attempt=%d", ev.AttemptNumber)
		if ev.Attempt == nil {
			break
		}
		if ev.Attempt.QueryText != "" {
			line += fmt.Sprintf(" query=%q", ev.Attempt.QueryText)
		}
		if ev.Attempt.Error != "" {
			line += fmt.Sprintf(" error=%q", ev.Attempt.Error)
		} else {
			line += fmt.Sprintf(" rows=%d", len(ev.Attempt.Rows))
		}
	case domain.EventTypeStepCompleted:
		if data, err := json.Marshal(ev.Result); err == nil {
			line += " result=" + string(data)
		}
	case domain.EventTypeStepFailed, domain.EventTypeRunFailed:
		line += fmt.Sprintf(" error=%q", ev.Error)
	}

	_, err := fmt.Fprintln(out, line)
	return err
}
