package payment

import (
	"fmt"
	"math"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/geometry"
)

// Payment kinds reported by the gesture detector.
const (
	KindCash = "cash"
	KindCard = "card"
)

// IsPaymentKind reports whether a detector label names a payment class.
func IsPaymentKind(label string) bool {
	return label == KindCash || label == KindCard
}

// Event is one accepted payment observation.
type Event struct {
	Kind       string       `json:"kind"`
	Frame      int          `json:"frame"`
	Box        geometry.Box `json:"box"`
	Confidence float64      `json:"confidence"`
}

// Summary is the per-video payment tally.
type Summary struct {
	Total       int    `json:"total"`
	Cash        int    `json:"cash"`
	Card        int    `json:"card"`
	PaymentType string `json:"payment_type"` // kind of the earliest surviving event
}

type observation struct {
	frame      int
	confidence float64
}

// Deduplicator collapses the per-frame re-detections of one physical payment
// action into a single countable event. Detections arrive in frame order.
//
// Filtering is two-stage. Online, a detection keyed by its quantized center
// is dropped when the same key fired for the same kind within the last
// DedupFrameWindow frames at similar confidence. Offline, Finalize chains
// together events that drifted a few pixels between frames, which the
// pixel-exact online key cannot catch.
type Deduplicator struct {
	cfg    config.PaymentTuning
	events []Event
	index  map[string]observation
}

func NewDeduplicator(cfg config.PaymentTuning) *Deduplicator {
	return &Deduplicator{
		cfg:   cfg,
		index: make(map[string]observation),
	}
}

// RecordOrDrop feeds one payment detection. It returns true when the
// detection was registered as a new raw event, false when it was dropped as
// a continuation or fell below the confidence floor.
func (d *Deduplicator) RecordOrDrop(frame int, kind string, box geometry.Box, confidence float64) bool {
	if confidence < d.cfg.MinConfidence {
		return false
	}

	cx, cy := box.Center()
	key := fmt.Sprintf("%s:%d:%d", kind, int(cx), int(cy))

	if obs, ok := d.index[key]; ok {
		if frame-obs.frame <= d.cfg.DedupFrameWindow && math.Abs(confidence-obs.confidence) < d.cfg.DedupConfidenceDelta {
			// Same object still visible, keep the observation fresh.
			d.index[key] = observation{frame: frame, confidence: confidence}
			return false
		}
	}

	d.index[key] = observation{frame: frame, confidence: confidence}
	d.events = append(d.events, Event{Kind: kind, Frame: frame, Box: box, Confidence: confidence})
	return true
}

// RunningTally summarizes the raw events accepted so far. The final report
// from Finalize can differ, including the payment type, since the merge pass
// may drop the event the running label was derived from.
func (d *Deduplicator) RunningTally() Summary {
	return summarize(d.events)
}

// Finalize runs the offline merge pass and returns the surviving events with
// their summary. Same-kind events chain into one when consecutive members
// are within MergeFrameWindow frames and MergePixelWindow pixels on both
// axes; the earliest member of each chain is canonical.
func (d *Deduplicator) Finalize() ([]Event, Summary) {
	type chain struct {
		canonical Event
		lastFrame int
		lastBox   geometry.Box
	}

	var chains []chain
	for _, e := range d.events {
		merged := false
		for i := range chains {
			c := &chains[i]
			if c.canonical.Kind != e.Kind {
				continue
			}
			if e.Frame-c.lastFrame >= d.cfg.MergeFrameWindow {
				continue
			}
			cx, cy := c.lastBox.Center()
			ex, ey := e.Box.Center()
			if math.Abs(cx-ex) < d.cfg.MergePixelWindow && math.Abs(cy-ey) < d.cfg.MergePixelWindow {
				c.lastFrame = e.Frame
				c.lastBox = e.Box
				merged = true
				break
			}
		}
		if !merged {
			chains = append(chains, chain{canonical: e, lastFrame: e.Frame, lastBox: e.Box})
		}
	}

	survivors := make([]Event, len(chains))
	for i, c := range chains {
		survivors[i] = c.canonical
	}
	return survivors, summarize(survivors)
}

func summarize(events []Event) Summary {
	var s Summary
	earliest := -1
	for _, e := range events {
		s.Total++
		switch e.Kind {
		case KindCash:
			s.Cash++
		case KindCard:
			s.Card++
		}
		if earliest == -1 || e.Frame < earliest {
			earliest = e.Frame
			s.PaymentType = e.Kind
		}
	}
	return s
}
