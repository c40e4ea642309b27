package tracker

import (
	"math"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/geometry"
)

// Track is one person followed across consecutive frames of a single video.
type Track struct {
	ID          int
	LastBox     geometry.Box
	LastSeen    int // frame index of the most recent assignment
	Appearances int // number of frames the track was assigned in
}

// FirstSeen estimates the first frame the person appeared in. Tracks are
// assigned on most frames while live, so the appearance count approximates
// the span; the estimate never goes below frame zero.
func (t *Track) FirstSeen() int {
	first := t.LastSeen - t.Appearances + 1
	if first < 0 {
		return 0
	}
	return first
}

// Assignment reports where a detection from the current frame landed.
type Assignment struct {
	Track  *Track
	Box    geometry.Box
	New    bool // a fresh track was opened for this detection
	Forced bool // the live cap was hit and the nearest track absorbed it
}

// Tracker assigns per-frame person detections to tracks by center proximity.
// A detection continues the nearest live track within MaxProximityDistance;
// otherwise it opens a new track, unless MaxLiveTracks are already live, in
// which case it is forced onto the nearest live track. Tracks unseen for more
// than MaxFrameGap frames are retired.
type Tracker struct {
	cfg      config.TrackerTuning
	nextID   int
	live     []*Track
	finished []*Track
}

func New(cfg config.TrackerTuning) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// Update processes the person boxes of one frame. Frame indices must be
// non-decreasing across calls.
func (tr *Tracker) Update(frameIndex int, boxes []geometry.Box) []Assignment {
	tr.retireStale(frameIndex)

	assignments := make([]Assignment, 0, len(boxes))
	taken := make(map[*Track]bool, len(tr.live))

	for _, box := range boxes {
		track, dist := tr.nearest(box, taken)

		switch {
		case track != nil && dist <= tr.cfg.MaxProximityDistance:
			tr.assign(track, frameIndex, box)
			taken[track] = true
			assignments = append(assignments, Assignment{Track: track, Box: box})

		case len(tr.live) < tr.cfg.MaxLiveTracks:
			t := &Track{ID: tr.nextID, LastBox: box, LastSeen: frameIndex, Appearances: 1}
			tr.nextID++
			tr.live = append(tr.live, t)
			taken[t] = true
			assignments = append(assignments, Assignment{Track: t, Box: box, New: true})

		default:
			// Cap reached. Absorbing into the nearest track trades accuracy
			// for a bounded track count; crowded frames would otherwise
			// spawn tracks without limit.
			t, _ := tr.nearest(box, nil)
			tr.assign(t, frameIndex, box)
			taken[t] = true
			assignments = append(assignments, Assignment{Track: t, Box: box, Forced: true})
		}
	}

	return assignments
}

// Live returns the currently live tracks.
func (tr *Tracker) Live() []*Track {
	return tr.live
}

// Finish retires all live tracks and returns every track seen in the video.
func (tr *Tracker) Finish() []*Track {
	tr.finished = append(tr.finished, tr.live...)
	tr.live = nil
	return tr.finished
}

func (tr *Tracker) retireStale(frameIndex int) {
	kept := tr.live[:0]
	for _, t := range tr.live {
		if frameIndex-t.LastSeen > tr.cfg.MaxFrameGap {
			tr.finished = append(tr.finished, t)
		} else {
			kept = append(kept, t)
		}
	}
	tr.live = kept
}

func (tr *Tracker) assign(t *Track, frameIndex int, box geometry.Box) {
	t.LastBox = box
	t.LastSeen = frameIndex
	t.Appearances++
}

// nearest returns the live track whose last box center is closest to the
// given box, skipping tracks present in exclude. exclude may be nil.
func (tr *Tracker) nearest(box geometry.Box, exclude map[*Track]bool) (*Track, float64) {
	var best *Track
	bestDist := math.Inf(1)
	for _, t := range tr.live {
		if exclude[t] {
			continue
		}
		d := geometry.CenterDistance(t.LastBox, box)
		if d < bestDist {
			best = t
			bestDist = d
		}
	}
	return best, bestDist
}
