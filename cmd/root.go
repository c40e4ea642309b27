package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/store/fsstore"
	"github.com/phanzl/storewatch/internal/store/sqlstore"
)

var rootCmd = &cobra.Command{
	Use:   "storewatch",
	Short: "A CCTV video analysis tool for retail stores",
	Long: `Storewatch analyzes CCTV footage from retail stores: it tracks people
within a video, re-identifies returning visitors across recordings and
counts payment events at the register.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// openStore selects the persistence backend: SQL when DATABASE_URL is set,
// otherwise JSON files under the data directory.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		st, err := sqlstore.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return st, nil
	}

	st, err := fsstore.New(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}
	return st, nil
}

// uploadsDir is where accepted video uploads land.
func uploadsDir(cfg *config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "uploads")
}
