package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dropzone/internal/server/config"
	"dropzone/internal/server/database"
	"dropzone/internal/server/service"
	"dropzone/internal/server/storage"
)

// env bundles the stores a command operates on.
type env struct {
	cfg   *config.Config
	repo  database.Repository
	blobs storage.BlobStore
	svc   *service.ObjectStore
}

func (e *env) Close() {
	e.repo.Close()
}

// openEnv connects to the same metadata and blob stores the server uses.
func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	repo, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	blobs, err := storage.Open(ctx, cfg)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}

	return &env{
		cfg:   cfg,
		repo:  repo,
		blobs: blobs,
		svc:   service.NewObjectStore(repo, blobs, cfg),
	}, nil
}

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "dropctl",
		Short: "Administer a dropzone object store",
		Long: `dropctl operates directly on the metadata and blob stores configured
for the dropzone server (same environment variables and .env file).

Examples:
  # Upload a file that self-destructs after 3 downloads or one hour
  dropctl put report.pdf --downloads 3 --minutes 60

  # Bundle a directory into a zip and upload it
  dropctl put ./photos

  # Run both reclamation sweeps once
  dropctl sweep`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newSweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
