package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/outreach-daemon/internal/export"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/store"
)

// newRunCmd starts the daemon and the operator API.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the outreach daemon and the operator API",
		Long: `Runs cycles inside the active-hours window until the process is
signalled or the session action ceiling is spent. The operator API is served
alongside when server.enabled is true.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run daemon: %w", err)
			}
			a.Logger().Info("daemon exited")
			return nil
		},
	}
}

// newOnceCmd runs a single cycle and prints its report.
func newOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Once(cmd.Context())
			if printErr := printJSON(cmd.OutOrStdout(), report); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("cycle %s: %w", report.CycleID, err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "run even outside the active-hours window")
	return cmd
}

// newExportCmd writes the entity CSV to stdout, a file or the blob store.
func newExportCmd() *cobra.Command {
	var (
		out    string
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every entity as CSV",
		Long: `Writes one CSV row per entity. With --upload the snapshot goes to the
configured GCS bucket, or the local export directory when no bucket is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if upload {
				uri, n, err := a.Snapshot(cmd.Context())
				if err != nil {
					return fmt.Errorf("snapshot: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entities to %s\n", n, uri)
				return nil
			}

			entities, err := a.Store().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list entities: %w", err)
			}
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer func() {
					if cerr := f.Close(); cerr != nil {
						a.Logger().Warn("close export file failed", zap.Error(cerr))
					}
				}()
				w = f
			}
			return export.WriteCSV(w, entities)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().BoolVar(&upload, "upload", false, "write the snapshot to the configured blob store")
	return cmd
}

// newRespondCmd records a reply from a contacted project.
func newRespondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <entity-id>",
		Short: "Mark a contacted entity as responded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			e, err := a.Store().MarkResponded(cmd.Context(), args[0], a.Now())
			switch {
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("entity %s not found", args[0])
			case err != nil:
				return err
			}
			a.Logger().Info("entity marked responded", zap.String("entity_id", e.ID))
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", e.ID, e.State)
			return nil
		},
	}
}

type statusReport struct {
	LastCheckpoint *store.Checkpoint      `json:"last_checkpoint,omitempty"`
	States         map[outreach.State]int `json:"states"`
	Today          []store.DailyCount     `json:"today"`
	RecentErrors   []store.ErrorEntry     `json:"recent_errors"`
}

// newStatusCmd summarises the persisted state of the pipeline.
func newStatusCmd() *cobra.Command {
	var errorLimit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last cycle, entity counts per state and today's actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st := a.Store()
			rep := statusReport{States: map[outreach.State]int{}}

			cp, err := st.LatestCheckpoint(ctx)
			switch {
			case err == nil:
				rep.LastCheckpoint = &cp
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("load checkpoint: %w", err)
			}
			entities, err := st.List(ctx)
			if err != nil {
				return fmt.Errorf("list entities: %w", err)
			}
			for _, e := range entities {
				rep.States[e.State]++
			}
			if rep.Today, err = st.DailyCounts(ctx, outreach.DayKey(a.Now(), a.Location())); err != nil {
				return fmt.Errorf("load daily counts: %w", err)
			}
			if rep.RecentErrors, err = st.RecentErrors(ctx, errorLimit); err != nil {
				return fmt.Errorf("load errors: %w", err)
			}
			sort.Slice(rep.Today, func(i, j int) bool {
				if rep.Today[i].Kind != rep.Today[j].Kind {
					return rep.Today[i].Kind < rep.Today[j].Kind
				}
				return rep.Today[i].Outcome < rep.Today[j].Outcome
			})
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVar(&errorLimit, "errors", 10, "number of recent errors to show")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
