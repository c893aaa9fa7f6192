package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPrecompileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "precompile [runner...]",
		Short: "Fill the precompile cache for the given runners, or every runner on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.services(ctx)
			if err != nil {
				return err
			}
			defer svc.Close(ctx)

			if len(args) == 0 {
				if args, err = svc.store.List(); err != nil {
					return err
				}
			}

			failed := 0
			for _, runner := range args {
				n, err := svc.sup.Precompile(ctx, runner)
				if err != nil {
					failed++
					a.log.Error("precompile failed", zap.String("runner", runner), zap.Error(err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d modules\n", runner, n)
			}
			snap := svc.sup.Metrics().Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %d, cached %d, in %s\n",
				snap.CompiledModules, snap.PrecompileHits, snap.CompilationTime)
			if failed > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d runners failed", failed, len(args))}
			}
			return nil
		},
	}
}
