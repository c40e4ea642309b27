package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phanzl/storewatch/internal/config"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all stored sessions, persons and payment results",
	Long: `Delete every stored session, person identity, reference crop and
payment result. Uploaded video files are removed as well.

Example:
  storewatch clear --yes`,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().Bool("yes", false, "Skip confirmation prompt")
}

func confirmAction(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func runClear(cmd *cobra.Command, args []string) error {
	skipConfirm := mustGetBool(cmd, "yes")

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
	persons, err := st.ListPersons(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list persons: %w", err)
	}

	if len(sessions) == 0 && len(persons) == 0 {
		fmt.Println("Nothing to clear.")
		return nil
	}

	fmt.Printf("Sessions: %d\n", len(sessions))
	fmt.Printf("Persons:  %d\n", len(persons))

	if !skipConfirm && !confirmAction("\nDelete all stored data? [y/N]: ") {
		fmt.Println("Cancelled.")
		return nil
	}

	if err := st.ClearAll(context.Background()); err != nil {
		return fmt.Errorf("failed to clear data: %w", err)
	}

	fmt.Println("Done! All stored data deleted.")
	return nil
}
