package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/detector"
	"github.com/phanzl/storewatch/internal/geometry"
	"github.com/phanzl/storewatch/internal/imaging"
	"github.com/phanzl/storewatch/internal/payment"
	"github.com/phanzl/storewatch/internal/store"
	"github.com/phanzl/storewatch/internal/store/mock"
	"github.com/phanzl/storewatch/internal/video"
)

// frameWithPerson renders a 320x240 frame with a bright textured block where
// the person detection box will point.
func frameWithPerson(t *testing.T, box geometry.Box) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := range 240 {
		for x := range 320 {
			img.Set(x, y, color.RGBA{40, 40, 40, 255})
		}
	}
	for y := box.Y1; y < box.Y2 && y < 240; y++ {
		for x := box.X1; x < box.X2 && x < 320; x++ {
			if x < 0 || y < 0 {
				continue
			}
			v := uint8(80 + (x-box.X1)*3%150)
			img.Set(x, y, color.RGBA{v, v, 255 - v, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	return buf.Bytes()
}

func newRunner(st store.Store, personDet, paymentDet detector.Detector) *Runner {
	return NewRunner(st, personDet, paymentDet, config.LoadTuning())
}

func newTestSession(t *testing.T, st store.Store, mode string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID:        "sess-1",
		VideoName: "test.mp4",
		VideoHash: "hash-1",
		Mode:      mode,
		State:     store.StateModeSelected,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return sess
}

func TestIntake_AcceptAndDuplicate(t *testing.T) {
	st := mock.New()
	intake := NewIntake(st, t.TempDir())
	ctx := context.Background()

	res, err := intake.Accept(ctx, "shop.mp4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if res.Duplicate {
		t.Error("first upload should not be a duplicate")
	}
	if res.SuggestedMode != store.ModeDetect {
		t.Errorf("suggested mode = %s, want detect", res.SuggestedMode)
	}
	if res.Session.State != store.StateUploaded {
		t.Errorf("session state = %s, want uploaded", res.Session.State)
	}
	if res.Session.VideoHash == "" {
		t.Error("expected video hash to be set")
	}

	// Same bytes again: duplicate, but no persons known yet.
	res2, err := intake.Accept(ctx, "shop-copy.mp4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !res2.Duplicate {
		t.Error("identical bytes should be flagged as duplicate")
	}
	if res2.SuggestedMode != store.ModeDetect {
		t.Errorf("suggested mode = %s, want detect without known persons", res2.SuggestedMode)
	}
	if res2.Session.VideoHash != res.Session.VideoHash {
		t.Error("identical bytes should hash identically")
	}

	// With persons in the store, a re-upload suggests identification.
	_ = st.SavePerson(ctx, &store.Person{Token: "tok-1", Type: store.PersonDetected})
	res3, err := intake.Accept(ctx, "shop.mp4", strings.NewReader("video-bytes"))
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if res3.SuggestedMode != store.ModeIdentify {
		t.Errorf("suggested mode = %s, want identify", res3.SuggestedMode)
	}
}

func TestHashVideo_Deterministic(t *testing.T) {
	h1, err := HashVideo(strings.NewReader("same-bytes"))
	if err != nil {
		t.Fatalf("HashVideo() error = %v", err)
	}
	h2, _ := HashVideo(strings.NewReader("same-bytes"))
	h3, _ := HashVideo(strings.NewReader("other-bytes"))

	if h1 != h2 {
		t.Error("identical bytes must hash identically")
	}
	if h1 == h3 {
		t.Error("different bytes must hash differently")
	}
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32 hex chars", len(h1))
	}
}

func TestRunner_DetectMode(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	box := geometry.Box{X1: 100, Y1: 40, X2: 160, Y2: 200}
	frames := make([][]byte, 5)
	dets := make(map[int][]detector.Detection, 5)
	for f := range 5 {
		moved := geometry.Box{X1: box.X1 + f*4, Y1: box.Y1, X2: box.X2 + f*4, Y2: box.Y2}
		frames[f] = frameWithPerson(t, moved)
		dets[f] = []detector.Detection{{Box: moved, Label: PersonLabel, Confidence: 0.9}}
	}

	r := newRunner(st, detector.NewReplayFromFrames(dets), nil)
	sess := newTestSession(t, st, store.ModeDetect)

	var lastProgress ProgressInfo
	err := r.Run(ctx, sess, video.NewMemorySource(frames), func(p ProgressInfo) { lastProgress = p })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sess.State != store.StateCompleted {
		t.Errorf("session state = %s, want completed", sess.State)
	}
	if sess.FramesProcessed != 5 {
		t.Errorf("frames processed = %d, want 5", sess.FramesProcessed)
	}
	if sess.PersonCount != 1 {
		t.Errorf("person count = %d, want 1", sess.PersonCount)
	}
	if lastProgress.Frame != 4 {
		t.Errorf("last progress frame = %d, want 4", lastProgress.Frame)
	}
	if lastProgress.Total != 5 {
		t.Errorf("last progress total = %d, want 5", lastProgress.Total)
	}

	persons, _ := st.ListPersons(ctx)
	if len(persons) != 1 {
		t.Fatalf("got %d persons, want 1", len(persons))
	}
	p := persons[0]
	if p.Type != store.PersonDetected {
		t.Errorf("person type = %s, want detected", p.Type)
	}
	if p.Appearances != 5 || p.FirstSeen != 0 || p.LastSeen != 4 {
		t.Errorf("person span = first %d last %d appearances %d", p.FirstSeen, p.LastSeen, p.Appearances)
	}
	if p.Sessions != 1 {
		t.Errorf("person sessions = %d, want 1", p.Sessions)
	}

	library, _ := st.ReferenceLibrary(ctx)
	if len(library[p.Token]) != 1 {
		t.Errorf("expected one reference crop for %s, got %d", p.Token, len(library[p.Token]))
	}
}

func TestRunner_DetectMode_AppearancesClampedToFrames(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	// Two distant detections per frame with a live cap of one: the second
	// box is force-absorbed every frame, so the raw appearance count runs
	// to twice the frame count.
	left := geometry.Box{X1: 20, Y1: 40, X2: 80, Y2: 200}
	right := geometry.Box{X1: 220, Y1: 40, X2: 280, Y2: 200}
	frames := make([][]byte, 5)
	dets := map[int][]detector.Detection{}
	for f := range 5 {
		frames[f] = frameWithPerson(t, left)
		dets[f] = []detector.Detection{
			{Box: left, Label: PersonLabel, Confidence: 0.9},
			{Box: right, Label: PersonLabel, Confidence: 0.9},
		}
	}

	tuning := config.LoadTuning()
	tuning.Tracker.MaxLiveTracks = 1
	r := NewRunner(st, detector.NewReplayFromFrames(dets), nil, tuning)
	sess := newTestSession(t, st, store.ModeDetect)

	if err := r.Run(ctx, sess, video.NewMemorySource(frames), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	persons, _ := st.ListPersons(ctx)
	if len(persons) != 1 {
		t.Fatalf("got %d persons, want 1", len(persons))
	}
	p := persons[0]
	if p.Appearances != 5 {
		t.Errorf("appearances = %d, want 5 (clamped to processed frames)", p.Appearances)
	}
	if p.FirstSeen != 0 || p.LastSeen != 4 {
		t.Errorf("person span = first %d last %d, want 0..4", p.FirstSeen, p.LastSeen)
	}
}

func TestRunner_IdentifyMode(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	box := geometry.Box{X1: 100, Y1: 40, X2: 160, Y2: 200}
	frameJPEG := frameWithPerson(t, box)

	// Seed the reference library with the exact head crop the probe frames
	// will produce, so SSIM scores at 1.0.
	img, err := imaging.Decode(frameJPEG)
	if err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	tuning := config.LoadTuning()
	_, cropJPEG, err := imaging.HeadCropJPEG(img, box, tuning.Matcher.HeadRatio, tuning.Matcher.CropSize)
	if err != nil {
		t.Fatalf("failed to build reference crop: %v", err)
	}
	_ = st.SavePerson(ctx, &store.Person{Token: "known", Type: store.PersonDetected, Sessions: 1})
	_ = st.AppendReferenceImage(ctx, &store.ReferenceImage{
		Token: "known", SessionID: "earlier", Label: "track1", JPEG: cropJPEG,
	})

	frames := [][]byte{frameJPEG, frameJPEG, frameJPEG}
	dets := map[int][]detector.Detection{}
	for f := range 3 {
		dets[f] = []detector.Detection{{Box: box, Label: PersonLabel, Confidence: 0.9}}
	}

	r := newRunner(st, detector.NewReplayFromFrames(dets), nil)
	sess := newTestSession(t, st, store.ModeIdentify)

	if err := r.Run(ctx, sess, video.NewMemorySource(frames), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sess.PersonCount != 1 {
		t.Errorf("person count = %d, want 1", sess.PersonCount)
	}

	p, err := st.GetPerson(ctx, "known")
	if err != nil {
		t.Fatalf("GetPerson() error = %v", err)
	}
	if p.Type != store.PersonIdentified {
		t.Errorf("person type = %s, want identified", p.Type)
	}
	if p.Sessions != 2 {
		t.Errorf("person sessions = %d, want 2", p.Sessions)
	}
	if p.Appearances != 3 {
		t.Errorf("person appearances = %d, want 3", p.Appearances)
	}

	// No new identities may be registered in identify mode.
	persons, _ := st.ListPersons(ctx)
	if len(persons) != 1 {
		t.Errorf("got %d persons, want 1", len(persons))
	}

	// A match appends this session's best crop to the reference library.
	library, _ := st.ReferenceLibrary(ctx)
	if len(library["known"]) != 2 {
		t.Errorf("reference crops = %d, want 2 (seed + matched)", len(library["known"]))
	}
}

// flakyDetector fails at selected frames and delegates the rest.
type flakyDetector struct {
	inner  detector.Detector
	failAt map[int]bool
}

func (d *flakyDetector) Detect(ctx context.Context, frameIndex int, frameJPEG []byte) ([]detector.Detection, error) {
	if d.failAt[frameIndex] {
		return nil, errors.New("inference backend unavailable")
	}
	return d.inner.Detect(ctx, frameIndex, frameJPEG)
}

func (d *flakyDetector) Name() string { return "flaky" }

func TestRunner_DetectorFailureSkipsFrameAndReportsProgress(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	box := geometry.Box{X1: 100, Y1: 40, X2: 160, Y2: 200}
	frames := make([][]byte, 5)
	dets := map[int][]detector.Detection{}
	for f := range 5 {
		frames[f] = frameWithPerson(t, box)
		dets[f] = []detector.Detection{{Box: box, Label: PersonLabel, Confidence: 0.9}}
	}

	det := &flakyDetector{inner: detector.NewReplayFromFrames(dets), failAt: map[int]bool{2: true}}
	r := newRunner(st, det, nil)
	sess := newTestSession(t, st, store.ModeDetect)

	seen := map[int]bool{}
	err := r.Run(ctx, sess, video.NewMemorySource(frames), func(p ProgressInfo) { seen[p.Frame] = true })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sess.State != store.StateCompleted {
		t.Errorf("session state = %s, want completed", sess.State)
	}
	// A failed detector call skips the frame but still reports it.
	for f := range 5 {
		if !seen[f] {
			t.Errorf("no progress reported for frame %d", f)
		}
	}

	persons, _ := st.ListPersons(ctx)
	if len(persons) != 1 {
		t.Fatalf("got %d persons, want 1", len(persons))
	}
	if persons[0].Appearances != 4 {
		t.Errorf("appearances = %d, want 4 (frame 2 skipped)", persons[0].Appearances)
	}
}

func TestRunner_MissingDetectorFailsFast(t *testing.T) {
	st := mock.New()

	r := newRunner(st, nil, nil)
	sess := newTestSession(t, st, store.ModeDetect)

	err := r.Run(context.Background(), sess, video.NewMemorySource(nil), nil)
	if err == nil {
		t.Fatal("expected error when the person detector is missing")
	}
	if sess.State != store.StateInterrupted {
		t.Errorf("session state = %s, want interrupted", sess.State)
	}
	if sess.FramesProcessed != 0 {
		t.Errorf("frames processed = %d, want 0 (failed before the loop)", sess.FramesProcessed)
	}
}

func TestIntake_RejectsEmptyUpload(t *testing.T) {
	intake := NewIntake(mock.New(), t.TempDir())

	_, err := intake.Accept(context.Background(), "empty.mp4", strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for zero-length upload")
	}
}

func TestRunner_IdentifyMode_UnknownPersonSkipped(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	box := geometry.Box{X1: 100, Y1: 40, X2: 160, Y2: 200}
	frames := [][]byte{frameWithPerson(t, box)}
	dets := map[int][]detector.Detection{
		0: {{Box: box, Label: PersonLabel, Confidence: 0.9}},
	}

	r := newRunner(st, detector.NewReplayFromFrames(dets), nil)
	sess := newTestSession(t, st, store.ModeIdentify)

	if err := r.Run(ctx, sess, video.NewMemorySource(frames), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	persons, _ := st.ListPersons(ctx)
	if len(persons) != 0 {
		t.Errorf("got %d persons, want 0 (unknown people are skipped)", len(persons))
	}
	if sess.PersonCount != 0 {
		t.Errorf("person count = %d, want 0", sess.PersonCount)
	}
}

func TestRunner_PaymentMode(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	cashBox := geometry.Box{X1: 100, Y1: 100, X2: 160, Y2: 140}
	frames := make([][]byte, 10)
	dets := map[int][]detector.Detection{}
	for f := range 10 {
		frames[f] = frameWithPerson(t, cashBox)
		dets[f] = []detector.Detection{{Box: cashBox, Label: payment.KindCash, Confidence: 0.8}}
	}
	// A second, low-confidence detection must be dropped by NMS scoring.
	dets[3] = append(dets[3], detector.Detection{
		Box: geometry.Box{X1: 101, Y1: 101, X2: 161, Y2: 141}, Label: payment.KindCash, Confidence: 0.2,
	})

	r := newRunner(st, nil, detector.NewReplayFromFrames(dets))
	sess := newTestSession(t, st, store.ModePayment)

	var lastProgress ProgressInfo
	err := r.Run(ctx, sess, video.NewMemorySource(frames), func(p ProgressInfo) { lastProgress = p })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if sess.Payment == nil {
		t.Fatal("expected payment summary on session")
	}
	if sess.Payment.Cash != 1 || sess.Payment.Total != 1 {
		t.Errorf("payment summary = %+v, want 1 cash", sess.Payment)
	}
	if sess.Payment.PaymentType != payment.KindCash {
		t.Errorf("payment type = %s, want cash", sess.Payment.PaymentType)
	}
	if lastProgress.Payment.Cash != 1 {
		t.Errorf("running tally cash = %d, want 1", lastProgress.Payment.Cash)
	}

	events, summary, err := st.GetPaymentResults(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetPaymentResults() error = %v", err)
	}
	if len(events) != 1 || summary.Cash != 1 {
		t.Errorf("persisted %d events, summary %+v", len(events), summary)
	}
}

func TestRunner_CancelStopsSession(t *testing.T) {
	st := mock.New()

	box := geometry.Box{X1: 100, Y1: 40, X2: 160, Y2: 200}
	frames := make([][]byte, 100)
	for f := range 100 {
		frames[f] = frameWithPerson(t, box)
	}

	r := newRunner(st, detector.NewReplayFromFrames(map[int][]detector.Detection{}), nil)
	sess := newTestSession(t, st, store.ModeDetect)

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Run(ctx, sess, video.NewMemorySource(frames), func(p ProgressInfo) {
		if p.Frame == 10 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Run() after cancel should not error, got %v", err)
	}

	if sess.State != store.StateStopped {
		t.Errorf("session state = %s, want stopped", sess.State)
	}
	if sess.FramesProcessed == 0 || sess.FramesProcessed >= 100 {
		t.Errorf("frames processed = %d, want partial progress", sess.FramesProcessed)
	}
}

func TestRunner_UnknownModeInterrupts(t *testing.T) {
	st := mock.New()

	r := newRunner(st, nil, nil)
	sess := newTestSession(t, st, "bogus")

	err := r.Run(context.Background(), sess, video.NewMemorySource(nil), nil)
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if sess.State != store.StateInterrupted {
		t.Errorf("session state = %s, want interrupted", sess.State)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	st := mock.New()
	ctx := context.Background()

	_ = st.CreateSession(ctx, &store.Session{ID: "a", State: store.StateProcessing})
	_ = st.CreateSession(ctx, &store.Session{ID: "b", State: store.StateCompleted})

	recovered, err := RecoverInterrupted(ctx, st)
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != "a" {
		t.Errorf("recovered = %+v, want session a", recovered)
	}

	got, _ := st.GetSession(ctx, "a")
	if got.State != store.StateInterrupted {
		t.Errorf("session a state = %s, want interrupted", got.State)
	}
	got, _ = st.GetSession(ctx, "b")
	if got.State != store.StateCompleted {
		t.Errorf("session b state = %s, want completed", got.State)
	}
}

func TestResumable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		sess store.Session
		want bool
	}{
		{
			name: "fresh interrupted session",
			sess: store.Session{State: store.StateInterrupted, UpdatedAt: now.Add(-5 * time.Minute)},
			want: true,
		},
		{
			name: "stale interrupted session",
			sess: store.Session{State: store.StateInterrupted, UpdatedAt: now.Add(-11 * time.Minute)},
			want: false,
		},
		{
			name: "completed session",
			sess: store.Session{State: store.StateCompleted, UpdatedAt: now},
			want: false,
		},
		{
			name: "stopped session",
			sess: store.Session{State: store.StateStopped, UpdatedAt: now},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resumable(&tt.sess, now); got != tt.want {
				t.Errorf("Resumable() = %v, want %v", got, tt.want)
			}
		})
	}
}
