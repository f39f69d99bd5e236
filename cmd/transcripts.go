package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/clide/internal/infrastructure/sqlite"
)

var transcriptsLimit int

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts <profile>",
	Short: "Show recent agent conversation history for a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscripts,
}

func init() {
	transcriptsCmd.Flags().IntVarP(&transcriptsLimit, "limit", "n", 20,
		"maximum number of entries to show")
	rootCmd.AddCommand(transcriptsCmd)
}

func runTranscripts(cmd *cobra.Command, args []string) error {
	workspace := cfg.Workspace
	if workspace == "" {
		var err error
		workspace, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
	}

	dbPath := cfg.TranscriptDB
	if dbPath == "" {
		dbPath = filepath.Join(workspace, ".clide", "transcript.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no transcript database at %s", dbPath)
	}

	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("opening transcript database: %w", err)
	}
	defer func() { _ = db.Close() }()

	records, err := db.Transcripts().ListByProfile(context.Background(), args[0], transcriptsLimit)
	if err != nil {
		return fmt.Errorf("listing transcripts: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no transcripts for profile %q\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tREQUEST\tROLE\tCONTENT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.RequestID, r.Role, r.Content)
	}
	return w.Flush()
}
