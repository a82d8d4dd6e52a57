package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dropzone/internal/core"
	"dropzone/internal/server/storage"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [all|expired|orphans]",
		Short: "Run reclamation sweeps once",
		Long: `Run the janitor's sweeps once and exit.

  expired  delete objects past their expiry time or download limit
  orphans  delete blobs that no metadata record references
  all      both (default)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := core.ParseSweepTarget(args)
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			janitor := storage.NewJanitor(e.repo, e.blobs, storage.JanitorConfig{
				ExpiredInterval:   e.cfg.ExpiredSweepInterval,
				OrphanInterval:    e.cfg.OrphanSweepInterval,
				OrphanGracePeriod: e.cfg.OrphanGracePeriod,
			})

			out := cmd.OutOrStdout()
			var failed int
			if target == core.SweepAll || target == core.SweepExpired {
				res := janitor.SweepExpired(cmd.Context())
				fmt.Fprintf(out, "expired: scanned %d, deleted %d, failed %d\n", res.Scanned, res.Deleted, res.Failed)
				failed += res.Failed
			}
			if target == core.SweepAll || target == core.SweepOrphans {
				res := janitor.SweepOrphans(cmd.Context())
				fmt.Fprintf(out, "orphans: scanned %d, deleted %d, failed %d\n", res.Scanned, res.Deleted, res.Failed)
				failed += res.Failed
			}

			if failed > 0 {
				return fmt.Errorf("%d deletions failed; they will be retried on the next sweep", failed)
			}
			return nil
		},
	}
}
