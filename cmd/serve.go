package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/detector"
	"github.com/phanzl/storewatch/internal/session"
	"github.com/phanzl/storewatch/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Storewatch web server.
The server accepts video uploads, runs analysis sessions and streams
progress to clients over server-sent events.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if cfg.Detector.PersonURL == "" {
		return errors.New("DETECTOR_PERSON_URL environment variable is required")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	timeout := time.Duration(cfg.Detector.TimeoutSec) * time.Second
	personDet := detector.NewHTTPDetector("person", cfg.Detector.PersonURL, timeout)

	var paymentDet detector.Detector
	if cfg.Detector.PaymentURL != "" {
		paymentDet = detector.NewHTTPDetector("payment", cfg.Detector.PaymentURL, timeout)
	} else {
		fmt.Println("Warning: DETECTOR_PAYMENT_URL not set, payment mode unavailable")
	}

	runner := session.NewRunner(st, personDet, paymentDet, cfg.Tuning)
	intake := session.NewIntake(st, uploadsDir(cfg))
	server := web.NewServer(cfg, st, runner, intake)

	// Sessions left in the processing state by a crash become interrupted.
	// A fresh one is relaunched right away; only one job runs at a time, so
	// further resumable sessions stay interrupted for a manual restart.
	recovered, err := session.RecoverInterrupted(context.Background(), st)
	if err != nil {
		fmt.Printf("Warning: failed to recover interrupted sessions: %v\n", err)
	} else if len(recovered) > 0 {
		fmt.Printf("Marked %d crashed session(s) as interrupted\n", len(recovered))
		now := time.Now()
		for i := range recovered {
			if !session.Resumable(&recovered[i], now) {
				continue
			}
			if err := server.ResumeSession(&recovered[i]); err != nil {
				fmt.Printf("Warning: could not resume session %s: %v\n", recovered[i].ID, err)
				continue
			}
			fmt.Printf("Resuming interrupted session %s in %s mode\n", recovered[i].ID, recovered[i].Mode)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Storewatch on http://localhost:%d\n", cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
