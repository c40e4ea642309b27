package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/detector"
	"github.com/phanzl/storewatch/internal/session"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/video"
)

var processCmd = &cobra.Command{
	Use:   "process <video-file>",
	Short: "Analyze a video from the command line",
	Long: `Analyze a CCTV recording without starting the web server.

The video is registered as a session, processed in the selected mode and
the results are persisted exactly as a web-triggered run would persist
them. In payment mode a CSV summary is written next to the video.

Example:
  storewatch process recording.mp4 --mode detect
  storewatch process recording.mp4 --mode payment --replay detections.json`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().String("mode", store.ModeDetect, "Processing mode: detect, identify, mixed or payment")
	processCmd.Flags().String("replay", "", "Path to a detection dump JSON, used instead of the detector services")
	processCmd.Flags().String("frames-dir", "", "Read frames from a directory of images instead of decoding the video")
}

// buildDetectors resolves the person and payment detectors from the replay
// flag or the configured HTTP endpoints.
func buildDetectors(cfg *config.Config, replayPath string) (detector.Detector, detector.Detector, error) {
	if replayPath != "" {
		replay, err := detector.NewReplay(replayPath)
		if err != nil {
			return nil, nil, err
		}
		return replay, replay, nil
	}

	if cfg.Detector.PersonURL == "" {
		return nil, nil, errors.New("DETECTOR_PERSON_URL environment variable is required (or use --replay)")
	}

	timeout := time.Duration(cfg.Detector.TimeoutSec) * time.Second
	personDet := detector.NewHTTPDetector("person", cfg.Detector.PersonURL, timeout)

	var paymentDet detector.Detector
	if cfg.Detector.PaymentURL != "" {
		paymentDet = detector.NewHTTPDetector("payment", cfg.Detector.PaymentURL, timeout)
	}
	return personDet, paymentDet, nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	videoPath := args[0]
	mode := mustGetString(cmd, "mode")
	replayPath := mustGetString(cmd, "replay")
	framesDir := mustGetString(cmd, "frames-dir")

	switch mode {
	case store.ModeDetect, store.ModeIdentify, store.ModeMixed, store.ModePayment:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	cfg := config.Load()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	personDet, paymentDet, err := buildDetectors(cfg, replayPath)
	if err != nil {
		return err
	}
	if mode == store.ModePayment && paymentDet == nil {
		return errors.New("payment mode needs DETECTOR_PAYMENT_URL or --replay")
	}

	f, err := os.Open(videoPath)
	if err != nil {
		return fmt.Errorf("failed to open video: %w", err)
	}
	intake := session.NewIntake(st, uploadsDir(cfg))
	result, err := intake.Accept(context.Background(), videoPath, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to register video: %w", err)
	}

	sess := result.Session
	sess.Mode = mode
	if result.Duplicate {
		fmt.Printf("Video was processed before, suggested mode: %s\n", result.SuggestedMode)
	}
	fmt.Printf("Session %s created, processing in %s mode\n", sess.ID, mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nStopping...")
		cancel()
	}()

	var src video.Source
	if framesDir != "" {
		src, err = video.NewDirSource(framesDir)
	} else {
		src, err = video.NewFFmpegSource(ctx, sess.VideoPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open frame source: %w", err)
	}
	defer src.Close()

	total := src.Total()
	if total == 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Processing frames"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)

	runner := session.NewRunner(st, personDet, paymentDet, cfg.Tuning)
	err = runner.Run(ctx, sess, src, func(p session.ProgressInfo) {
		bar.Add(1)
	})
	bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	fmt.Printf("Session %s: %s, %d frames\n", sess.ID, sess.State, sess.FramesProcessed)

	switch mode {
	case store.ModePayment:
		if sess.Payment != nil {
			fmt.Printf("Payments: %d total (%d cash, %d card), payment type %s\n",
				sess.Payment.Total, sess.Payment.Cash, sess.Payment.Card, sess.Payment.PaymentType)
		}
		return writePaymentCSV(context.Background(), st, sess)
	default:
		fmt.Printf("Persons: %d\n", sess.PersonCount)
	}
	return nil
}

// writePaymentCSV exports the deduplicated payment events next to the
// working directory as payment_summary_<session>.csv.
func writePaymentCSV(ctx context.Context, st store.Store, sess *store.Session) error {
	events, summary, err := st.GetPaymentResults(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load payment results: %w", err)
	}

	path := fmt.Sprintf("payment_summary_%s.csv", sess.ID)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"Metric", "Count"})
	w.Write([]string{"cash_payments", strconv.Itoa(summary.Cash)})
	w.Write([]string{"card_payments", strconv.Itoa(summary.Card)})
	w.Write([]string{"total_payments", strconv.Itoa(summary.Total)})
	w.Write([]string{"payment_type", summary.PaymentType})
	for _, e := range events {
		w.Write([]string{
			fmt.Sprintf("event_%s_frame", e.Kind),
			strconv.Itoa(e.Frame),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}

	fmt.Printf("Payment summary written to %s\n", path)
	return nil
}
