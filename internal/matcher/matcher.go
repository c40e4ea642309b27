package matcher

import (
	"fmt"
	"sync"

	"github.com/coder/hnsw"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/imaging"
)

const (
	// HNSW graph parameters.
	maxNeighbors = 16
	// Side of the downsampled raster used as the ANN shortlist vector.
	vectorSide = 32
)

// Candidate is a known person available for re-identification.
type Candidate struct {
	Token string
	Crop  *imaging.Gray
}

// Match is a successful re-identification.
type Match struct {
	Token string
	Score float64
}

// Matcher compares head crops against known persons. An HNSW graph over
// downsampled intensity vectors narrows each probe to a shortlist, which is
// then scored exactly with SSIM. Safe for concurrent use.
type Matcher struct {
	mu     sync.RWMutex
	cfg    config.MatcherTuning
	graph  *hnsw.Graph[int]
	byID   map[int]Candidate
	nextID int
}

func New(cfg config.MatcherTuning) *Matcher {
	g := hnsw.NewGraph[int]()
	g.M = maxNeighbors
	g.Ml = 1.0 / float64(maxNeighbors)
	g.Distance = hnsw.CosineDistance

	return &Matcher{
		cfg:   cfg,
		graph: g,
		byID:  make(map[int]Candidate),
	}
}

// Add registers a known person. The crop is resampled to the comparison size
// if needed.
func (m *Matcher) Add(token string, crop *imaging.Gray) {
	m.mu.Lock()
	defer m.mu.Unlock()

	crop = imaging.Resample(crop, m.cfg.CropSize)

	id := m.nextID
	m.nextID++
	m.byID[id] = Candidate{Token: token, Crop: crop}
	m.graph.Add(hnsw.MakeNode(id, imaging.IntensityVector(crop, vectorSide)))
}

// Count returns the number of registered persons.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Best returns the registered person most similar to the probe crop, or nil
// when no candidate scores strictly above the threshold.
func (m *Matcher) Best(crop *imaging.Gray, threshold float64) (*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.byID) == 0 {
		return nil, nil
	}

	crop = imaging.Resample(crop, m.cfg.CropSize)

	k := m.cfg.ShortlistSize
	if k < 1 || k > len(m.byID) {
		k = len(m.byID)
	}
	neighbors := m.graph.Search(imaging.IntensityVector(crop, vectorSide), k)

	var best *Match
	for _, n := range neighbors {
		cand, ok := m.byID[n.Key]
		if !ok {
			continue
		}
		score, err := imaging.SSIM(crop, cand.Crop)
		if err != nil {
			return nil, fmt.Errorf("failed to score candidate %s: %w", cand.Token, err)
		}
		if best == nil || score > best.Score {
			best = &Match{Token: cand.Token, Score: score}
		}
	}

	if best == nil || best.Score <= threshold {
		return nil, nil
	}
	return best, nil
}
