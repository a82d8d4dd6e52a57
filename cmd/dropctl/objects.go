package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dropzone/internal/core"
	"dropzone/internal/server/database"
	"dropzone/internal/server/service"
)

func newPutCmd() *cobra.Command {
	var (
		downloads int
		minutes   string
		password  string
	)

	cmd := &cobra.Command{
		Use:   "put <path>...",
		Short: "Upload a file, or a zip bundle of several paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := core.ParseArgs(args)
			if err != nil {
				return err
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			ttl := e.cfg.DefaultTTL
			if minutes != "" {
				if ttl, err = core.ParseMinutes(minutes); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("downloads") {
				downloads = e.cfg.DefaultMaxDownloads
			}

			up, err := core.OpenUpload(parsed)
			if err != nil {
				return err
			}
			defer up.Body.Close()

			obj, err := e.svc.Store(cmd.Context(), service.UploadRequest{
				Filename:     up.Name,
				MimeType:     up.MimeType,
				DeclaredSize: up.Size,
				Data:         up.Body,
				MaxDownloads: downloads,
				TTL:          ttl,
				Password:     password,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Stored %s (%s)\n", obj.OriginalName, core.HumanizeBytes(obj.SizeBytes))
			fmt.Fprintf(out, "  id:         %s\n", obj.ID)
			fmt.Fprintf(out, "  url:        %s/api/files/%s\n", e.cfg.BaseURL, obj.ID)
			fmt.Fprintf(out, "  downloads:  %d\n", obj.MaxDownloads)
			fmt.Fprintf(out, "  expires:    %s\n", obj.ExpiresAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "  encrypted:  %t\n", obj.Encrypted())
			return nil
		},
	}

	cmd.Flags().IntVarP(&downloads, "downloads", "n", 1, "downloads allowed before the object self-destructs")
	cmd.Flags().StringVarP(&minutes, "minutes", "m", "", "minutes until expiry (fractions allowed); defaults to DEFAULT_TTL")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password required to download")
	return cmd
}

func newGetCmd() *cobra.Command {
	var (
		output   string
		password string
	)

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Download an object, consuming one download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if output == "-" {
				d, err := e.svc.Retrieve(cmd.Context(), args[0], password)
				if err != nil {
					return err
				}
				defer d.Body.Close()
				if _, err := io.Copy(cmd.OutOrStdout(), d.Body); err != nil {
					return fmt.Errorf("download %s: %w", args[0], err)
				}
				return nil
			}

			res, err := saveDownload(cmd.Context(), e.svc, args[0], password, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "✓ Wrote %s to %s (%d of %d downloads used)\n",
				core.HumanizeBytes(res.Bytes), res.Path, res.Object.DownloadCount, res.Object.MaxDownloads)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, '-' for stdout (default: original filename)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "object password")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all stored objects, expired ones included",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			objects, err := e.svc.ListObjects(cmd.Context())
			if err != nil {
				return err
			}
			if len(objects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No objects stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSIZE\tDOWNLOADS\tEXPIRES\tSTATUS")
			for _, obj := range objects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					obj.ID,
					obj.OriginalName,
					core.HumanizeBytes(obj.SizeBytes),
					obj.DownloadCount, obj.MaxDownloads,
					obj.ExpiresAt.Local().Format("2006-01-02 15:04:05"),
					e.svc.Verdict(obj),
				)
			}
			return w.Flush()
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show an object's metadata without consuming a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			obj, err := e.svc.GetMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printObject(cmd.OutOrStdout(), obj, e.svc.Verdict(obj).String())
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			stats, err := e.svc.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Objects:    %d (%d active)\n", stats.TotalObjects, stats.ActiveObjects)
			fmt.Fprintf(out, "Downloads:  %d\n", stats.TotalDownloads)
			fmt.Fprintf(out, "Stored:     %s\n", core.HumanizeBytes(stats.StorageUsed))
			return nil
		},
	}
}

func printObject(w io.Writer, obj database.StoredObject, status string) {
	fmt.Fprintf(w, "ID:          %s\n", obj.ID)
	fmt.Fprintf(w, "Name:        %s\n", obj.OriginalName)
	fmt.Fprintf(w, "Type:        %s\n", obj.MimeType)
	fmt.Fprintf(w, "Size:        %s\n", core.HumanizeBytes(obj.SizeBytes))
	fmt.Fprintf(w, "Blob:        %s\n", obj.StorageName)
	fmt.Fprintf(w, "Encrypted:   %t\n", obj.Encrypted())
	fmt.Fprintf(w, "Password:    %t\n", obj.HasPassword())
	fmt.Fprintf(w, "Downloads:   %d/%d\n", obj.DownloadCount, obj.MaxDownloads)
	fmt.Fprintf(w, "Uploaded:    %s\n", obj.UploadedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Expires:     %s\n", obj.ExpiresAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Status:      %s\n", status)
}
