package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/detector"
	"github.com/phanzl/storewatch/internal/geometry"
	"github.com/phanzl/storewatch/internal/imaging"
	"github.com/phanzl/storewatch/internal/matcher"
	"github.com/phanzl/storewatch/internal/payment"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/tracker"
	"github.com/phanzl/storewatch/internal/video"
)

// PersonLabel is the detector class fed into tracking and matching.
const PersonLabel = "person"

// Session progress is persisted at this frame interval so an interrupted run
// leaves a recent frame count behind.
const persistInterval = 30

// ProgressInfo is passed to the progress callback as frames are consumed.
// Total is 0 when the source does not know its frame count.
type ProgressInfo struct {
	Frame      int             `json:"frame"`
	Total      int             `json:"total"`
	Identities int             `json:"identities"`
	Payment    payment.Summary `json:"payment"`
}

// Runner executes a session's analysis pipeline in its selected mode and
// drives the session state machine: Processing while frames are consumed,
// then Completed, Stopped on cancellation, or Interrupted on failure.
type Runner struct {
	store      store.Store
	personDet  detector.Detector
	paymentDet detector.Detector
	tuning     config.TuningConfig
}

func NewRunner(st store.Store, personDet, paymentDet detector.Detector, tuning config.TuningConfig) *Runner {
	return &Runner{
		store:      st,
		personDet:  personDet,
		paymentDet: paymentDet,
		tuning:     tuning,
	}
}

// Run consumes the frame source and persists the results. The session must
// have a mode selected. Cancelling the context stops processing cooperatively
// at the next frame boundary.
func (r *Runner) Run(ctx context.Context, sess *store.Session, src video.Source, onProgress func(ProgressInfo)) error {
	if onProgress == nil {
		onProgress = func(ProgressInfo) {}
	}
	total := src.Total()
	emit := func(p ProgressInfo) {
		p.Total = total
		onProgress(p)
	}

	if err := r.checkCapability(sess.Mode); err != nil {
		sess.State = store.StateInterrupted
		sess.UpdatedAt = time.Now()
		if uerr := r.store.UpdateSession(ctx, sess); uerr != nil {
			fmt.Printf("Warning: failed to persist session state: %v\n", uerr)
		}
		return err
	}

	sess.State = store.StateProcessing
	sess.FramesProcessed = 0
	sess.UpdatedAt = time.Now()
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}

	var err error
	switch sess.Mode {
	case store.ModeDetect:
		err = r.runTracking(ctx, sess, src, false, emit)
	case store.ModeIdentify:
		err = r.runIdentify(ctx, sess, src, emit)
	case store.ModeMixed:
		err = r.runTracking(ctx, sess, src, true, emit)
	case store.ModePayment:
		err = r.runPayment(ctx, sess, src, emit)
	default:
		err = fmt.Errorf("unknown mode %q", sess.Mode)
	}

	switch {
	case err == nil:
		sess.State = store.StateCompleted
	case errors.Is(err, context.Canceled):
		sess.State = store.StateStopped
		err = nil
	default:
		sess.State = store.StateInterrupted
	}

	// The run context may already be cancelled, the final state still has
	// to land.
	sess.UpdatedAt = time.Now()
	if uerr := r.store.UpdateSession(context.Background(), sess); uerr != nil {
		fmt.Printf("Warning: failed to persist final session state: %v\n", uerr)
	}
	return err
}

// checkCapability fails a session before the frame loop when the detector
// backend its mode needs is not configured.
func (r *Runner) checkCapability(mode string) error {
	switch mode {
	case store.ModeDetect, store.ModeIdentify, store.ModeMixed:
		if r.personDet == nil {
			return errors.New("person detector is not configured")
		}
	case store.ModePayment:
		if r.paymentDet == nil {
			return errors.New("payment detector is not configured")
		}
	}
	return nil
}

// trackCrop is the best head crop captured for a track so far.
type trackCrop struct {
	jpeg []byte
	area int
}

// identitySpan accumulates per-session appearance counters for a matched
// person token.
type identitySpan struct {
	first, last, count int
}

func (r *Runner) runTracking(ctx context.Context, sess *store.Session, src video.Source, mixed bool, onProgress func(ProgressInfo)) error {
	tr := tracker.New(r.tuning.Tracker)
	crops := make(map[int]*trackCrop)
	identified := make(map[string]*identitySpan)
	matchedCrops := make(map[string]*trackCrop)

	var m *matcher.Matcher
	if mixed {
		var err error
		m, err = r.loadMatcher(ctx)
		if err != nil {
			return err
		}
	}

	err := r.eachFrame(ctx, sess, src, func(frame *video.Frame) error {
		dets, err := r.personDet.Detect(ctx, frame.Index, frame.JPEG)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("Warning: person detection failed at frame %d: %v\n", frame.Index, err)
			onProgress(ProgressInfo{Frame: frame.Index, Identities: len(tr.Live()) + len(identified)})
			return nil
		}

		boxes := r.suppress(dets, PersonLabel)
		if len(boxes) == 0 {
			onProgress(ProgressInfo{Frame: frame.Index, Identities: len(tr.Live()) + len(identified)})
			return nil
		}

		img, err := imaging.Decode(frame.JPEG)
		if err != nil {
			fmt.Printf("Warning: skipping undecodable frame %d: %v\n", frame.Index, err)
			onProgress(ProgressInfo{Frame: frame.Index, Identities: len(tr.Live()) + len(identified)})
			return nil
		}

		toTrack := boxes
		if mixed {
			toTrack = toTrack[:0:0]
			for _, box := range boxes {
				crop, cropJPEG, err := imaging.HeadCropJPEG(img, box, r.tuning.Matcher.HeadRatio, r.tuning.Matcher.CropSize)
				if err != nil {
					fmt.Printf("Warning: skipping crop at frame %d: %v\n", frame.Index, err)
					continue
				}
				match, err := m.Best(crop, r.tuning.Matcher.MixedThreshold)
				if err != nil {
					return err
				}
				if match != nil {
					recordMatch(identified, matchedCrops, match.Token, frame.Index, box.Area(), cropJPEG)
					continue
				}
				toTrack = append(toTrack, box)
			}
		}

		for _, a := range tr.Update(frame.Index, toTrack) {
			r.captureCrop(crops, a, img, frame.Index)
		}

		onProgress(ProgressInfo{Frame: frame.Index, Identities: len(tr.Live()) + len(identified)})
		return nil
	})
	if err != nil {
		return err
	}

	return r.persistIdentities(ctx, sess, tr.Finish(), crops, identified, matchedCrops)
}

// recordMatch folds one matched detection into the per-token span and keeps
// the largest crop as the reference image appended for this session.
func recordMatch(identified map[string]*identitySpan, matchedCrops map[string]*trackCrop, token string, frameIndex, area int, cropJPEG []byte) {
	span := identified[token]
	if span == nil {
		span = &identitySpan{first: frameIndex}
		identified[token] = span
	}
	span.last = frameIndex
	span.count++

	existing := matchedCrops[token]
	if existing == nil || area > existing.area {
		matchedCrops[token] = &trackCrop{jpeg: cropJPEG, area: area}
	}
}

func (r *Runner) runIdentify(ctx context.Context, sess *store.Session, src video.Source, onProgress func(ProgressInfo)) error {
	m, err := r.loadMatcher(ctx)
	if err != nil {
		return err
	}

	identified := make(map[string]*identitySpan)
	matchedCrops := make(map[string]*trackCrop)

	err = r.eachFrame(ctx, sess, src, func(frame *video.Frame) error {
		dets, err := r.personDet.Detect(ctx, frame.Index, frame.JPEG)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("Warning: person detection failed at frame %d: %v\n", frame.Index, err)
			onProgress(ProgressInfo{Frame: frame.Index, Identities: len(identified)})
			return nil
		}

		boxes := r.suppress(dets, PersonLabel)
		if len(boxes) == 0 {
			onProgress(ProgressInfo{Frame: frame.Index, Identities: len(identified)})
			return nil
		}

		img, err := imaging.Decode(frame.JPEG)
		if err != nil {
			fmt.Printf("Warning: skipping undecodable frame %d: %v\n", frame.Index, err)
			onProgress(ProgressInfo{Frame: frame.Index, Identities: len(identified)})
			return nil
		}

		for _, box := range boxes {
			crop, cropJPEG, err := imaging.HeadCropJPEG(img, box, r.tuning.Matcher.HeadRatio, r.tuning.Matcher.CropSize)
			if err != nil {
				fmt.Printf("Warning: skipping crop at frame %d: %v\n", frame.Index, err)
				continue
			}
			match, err := m.Best(crop, r.tuning.Matcher.IdentifyThreshold)
			if err != nil {
				return err
			}
			if match == nil {
				// Unknown people are not registered in identify mode.
				continue
			}
			recordMatch(identified, matchedCrops, match.Token, frame.Index, box.Area(), cropJPEG)
		}

		onProgress(ProgressInfo{Frame: frame.Index, Identities: len(identified)})
		return nil
	})
	if err != nil {
		return err
	}

	return r.persistIdentities(ctx, sess, nil, nil, identified, matchedCrops)
}

func (r *Runner) runPayment(ctx context.Context, sess *store.Session, src video.Source, onProgress func(ProgressInfo)) error {
	d := payment.NewDeduplicator(r.tuning.Payment)

	err := r.eachFrame(ctx, sess, src, func(frame *video.Frame) error {
		dets, err := r.paymentDet.Detect(ctx, frame.Index, frame.JPEG)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("Warning: payment detection failed at frame %d: %v\n", frame.Index, err)
			onProgress(ProgressInfo{Frame: frame.Index, Payment: d.RunningTally()})
			return nil
		}

		scored := make([]geometry.Scored, 0, len(dets))
		kinds := make([]string, 0, len(dets))
		for _, det := range dets {
			if payment.IsPaymentKind(det.Label) {
				scored = append(scored, geometry.Scored{Box: det.Box, Score: det.Confidence})
				kinds = append(kinds, det.Label)
			}
		}
		for _, i := range geometry.NMS(scored, r.tuning.Payment.NMSScoreThreshold, r.tuning.Payment.NMSOverlapThreshold) {
			d.RecordOrDrop(frame.Index, kinds[i], scored[i].Box, scored[i].Score)
		}

		onProgress(ProgressInfo{Frame: frame.Index, Payment: d.RunningTally()})
		return nil
	})
	if err != nil {
		return err
	}

	events, summary := d.Finalize()
	if err := r.store.SavePaymentResults(ctx, sess.ID, events, summary); err != nil {
		// Best effort persistence, the in-memory result still completes
		// the session.
		fmt.Printf("Warning: failed to save payment results: %v\n", err)
	}
	sess.Payment = &summary
	return nil
}

// eachFrame drives the frame loop: cooperative cancellation between frames
// and periodic persistence of the processed frame count.
func (r *Runner) eachFrame(ctx context.Context, sess *store.Session, src video.Source, fn func(*video.Frame) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if err := fn(frame); err != nil {
			return err
		}

		sess.FramesProcessed = frame.Index + 1
		if sess.FramesProcessed%persistInterval == 0 {
			sess.UpdatedAt = time.Now()
			if err := r.store.UpdateSession(ctx, sess); err != nil {
				fmt.Printf("Warning: failed to persist session progress: %v\n", err)
			}
		}
	}
}

// suppress filters detections to one label and collapses overlapping boxes
// from the merged detector backends.
func (r *Runner) suppress(dets []detector.Detection, label string) []geometry.Box {
	scored := make([]geometry.Scored, 0, len(dets))
	for _, det := range dets {
		if det.Label == label {
			scored = append(scored, geometry.Scored{Box: det.Box, Score: det.Confidence})
		}
	}

	kept := geometry.NMS(scored, r.tuning.Payment.NMSScoreThreshold, r.tuning.Payment.NMSOverlapThreshold)
	boxes := make([]geometry.Box, len(kept))
	for i, idx := range kept {
		boxes[i] = scored[idx].Box
	}
	return boxes
}

// captureCrop keeps the largest head crop seen for each track as its
// reference image.
func (r *Runner) captureCrop(crops map[int]*trackCrop, a tracker.Assignment, img image.Image, frameIndex int) {
	existing := crops[a.Track.ID]
	if existing != nil && a.Box.Area() <= existing.area {
		return
	}

	_, jpeg, err := imaging.HeadCropJPEG(img, a.Box, r.tuning.Matcher.HeadRatio, r.tuning.Matcher.CropSize)
	if err != nil {
		fmt.Printf("Warning: failed to capture crop for track %d at frame %d: %v\n", a.Track.ID, frameIndex, err)
		return
	}
	crops[a.Track.ID] = &trackCrop{jpeg: jpeg, area: a.Box.Area()}
}

// loadMatcher builds the re-identification matcher from every stored
// reference crop.
func (r *Runner) loadMatcher(ctx context.Context) (*matcher.Matcher, error) {
	library, err := r.store.ReferenceLibrary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference library: %w", err)
	}

	m := matcher.New(r.tuning.Matcher)
	for token, imgs := range library {
		for _, ref := range imgs {
			img, err := imaging.Decode(ref.JPEG)
			if err != nil {
				fmt.Printf("Warning: skipping unreadable reference crop for %s: %v\n", token, err)
				continue
			}
			m.Add(token, imaging.GrayFromImage(img))
		}
	}
	return m, nil
}

// persistIdentities writes new tracks as detected persons and matched tokens
// as identified persons. Individual write failures are warned and skipped;
// the in-memory results are not rolled back.
func (r *Runner) persistIdentities(ctx context.Context, sess *store.Session, tracks []*tracker.Track, crops map[int]*trackCrop, identified map[string]*identitySpan, matchedCrops map[string]*trackCrop) error {
	now := time.Now()
	count := 0

	for _, t := range tracks {
		// Forced absorption at the live-track cap can credit a track with
		// more than one detection per frame, so appearances are clamped to
		// the frames actually processed.
		appear := clampAppearances(t.Appearances, sess.FramesProcessed)
		token := newPersonToken()
		p := &store.Person{
			Token:       token,
			Type:        store.PersonDetected,
			FirstSeen:   max(0, t.LastSeen-appear+1),
			LastSeen:    t.LastSeen,
			Appearances: appear,
			Sessions:    1,
			UpdatedAt:   now,
		}
		if err := r.store.SavePerson(ctx, p); err != nil {
			fmt.Printf("Warning: failed to save person for track %d: %v\n", t.ID, err)
			continue
		}
		count++

		if c := crops[t.ID]; c != nil {
			ref := &store.ReferenceImage{
				Token:     token,
				SessionID: sess.ID,
				Label:     fmt.Sprintf("track%d", t.ID),
				JPEG:      c.jpeg,
			}
			if err := r.store.AppendReferenceImage(ctx, ref); err != nil {
				fmt.Printf("Warning: failed to save reference image for track %d: %v\n", t.ID, err)
			}
		}
	}

	for token, span := range identified {
		p, err := r.store.GetPerson(ctx, token)
		if err != nil {
			fmt.Printf("Warning: matched unknown person %s: %v\n", token, err)
			continue
		}
		p.Type = store.PersonIdentified
		p.FirstSeen = span.first
		p.LastSeen = span.last
		p.Appearances = clampAppearances(span.count, sess.FramesProcessed)
		p.Sessions++
		p.UpdatedAt = now
		if err := r.store.SavePerson(ctx, p); err != nil {
			fmt.Printf("Warning: failed to update person %s: %v\n", token, err)
			continue
		}
		count++

		// A match also contributes this session's best crop back to the
		// reference library.
		if c := matchedCrops[token]; c != nil {
			ref := &store.ReferenceImage{
				Token:     token,
				SessionID: sess.ID,
				Label:     fmt.Sprintf("match%d", span.first),
				JPEG:      c.jpeg,
			}
			if err := r.store.AppendReferenceImage(ctx, ref); err != nil {
				fmt.Printf("Warning: failed to save reference image for %s: %v\n", token, err)
			}
		}
	}

	sess.PersonCount = count
	return nil
}

// clampAppearances caps an appearance count at the number of frames the
// session actually consumed.
func clampAppearances(count, framesProcessed int) int {
	if framesProcessed > 0 && count > framesProcessed {
		return framesProcessed
	}
	return count
}

// newPersonToken mints a short durable identity token.
func newPersonToken() string {
	return "person_" + uuid.New().String()[:8]
}
