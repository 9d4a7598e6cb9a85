package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/plan"
	"github.com/spf13/cobra"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>...",
		Short: "Check plan files without running them",
		Long: `Parse each plan, open its connectors, build its step graph and check
that every dependency exists and the graph is acyclic.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			agent := offlineAgent(root.cfg, errors.New("validation only"), root.logger)
			loader := plan.NewLoader(agent, root.logger)
			validator := orchestrator.NewValidator()

			var failed int
			for _, path := range args {
				if err := validatePlan(ctx, loader, validator, path); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validatePlan(ctx context.Context, loader *plan.Loader, validator *orchestrator.Validator, path string) error {
	p, err := loader.LoadFile(ctx, path)
	if err != nil {
		return err
	}
	defer p.Close()

	return validator.Validate(p.Graph)
}
