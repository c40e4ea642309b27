package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phanzl/storewatch/internal/config"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List analysis sessions",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tMODE\tSTATE\tFRAMES\tPERSONS\tCREATED")
	for _, s := range sessions {
		mode := s.Mode
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.VideoName, mode, s.State, s.FramesProcessed, s.PersonCount,
			s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
