package matcher

import (
	"testing"

	"github.com/phanzl/storewatch/internal/config"
	"github.com/phanzl/storewatch/internal/imaging"
)

func testTuning() config.MatcherTuning {
	return config.MatcherTuning{
		IdentifyThreshold: 0.7,
		MixedThreshold:    0.5,
		CropSize:          100,
		HeadRatio:         0.4,
		ShortlistSize:     10,
	}
}

// patternCrop builds a 100x100 grayscale raster from a generator function.
func patternCrop(f func(x, y int) float64) *imaging.Gray {
	pix := make([][]float64, 100)
	for x := range 100 {
		pix[x] = make([]float64, 100)
		for y := range 100 {
			pix[x][y] = f(x, y)
		}
	}
	return &imaging.Gray{Width: 100, Height: 100, Pix: pix}
}

func gradientCrop() *imaging.Gray {
	return patternCrop(func(x, y int) float64 { return float64(x) * 255 / 99 })
}

func checkerCrop() *imaging.Gray {
	return patternCrop(func(x, y int) float64 {
		if (x/10+y/10)%2 == 0 {
			return 30
		}
		return 220
	})
}

func verticalCrop() *imaging.Gray {
	return patternCrop(func(x, y int) float64 { return float64(y) * 255 / 99 })
}

func TestMatcher_EmptyRegistry(t *testing.T) {
	m := New(testTuning())

	match, err := m.Best(gradientCrop(), 0.7)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match != nil {
		t.Errorf("expected no match from empty registry, got %+v", match)
	}
}

func TestMatcher_IdenticalCropMatches(t *testing.T) {
	m := New(testTuning())
	m.Add("person-a", gradientCrop())

	match, err := m.Best(gradientCrop(), 0.7)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match == nil {
		t.Fatal("expected a match for identical crop")
	}
	if match.Token != "person-a" {
		t.Errorf("matched token = %s, want person-a", match.Token)
	}
	if match.Score < 0.99 {
		t.Errorf("score = %f, want near 1.0", match.Score)
	}
}

func TestMatcher_PicksMostSimilar(t *testing.T) {
	m := New(testTuning())
	m.Add("gradient", gradientCrop())
	m.Add("checker", checkerCrop())
	m.Add("vertical", verticalCrop())

	match, err := m.Best(checkerCrop(), 0.5)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Token != "checker" {
		t.Errorf("matched token = %s, want checker", match.Token)
	}
}

func TestMatcher_ThresholdIsStrict(t *testing.T) {
	m := New(testTuning())
	m.Add("person-a", gradientCrop())

	// Identical crops score 1.0, so a threshold of exactly 1.0 must reject:
	// the comparison is strictly greater than.
	match, err := m.Best(gradientCrop(), 1.0)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match != nil {
		t.Errorf("score equal to threshold should not match, got %+v", match)
	}
}

func TestMatcher_DissimilarCropRejected(t *testing.T) {
	m := New(testTuning())
	m.Add("person-a", checkerCrop())

	match, err := m.Best(verticalCrop(), 0.7)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match != nil {
		t.Errorf("expected no match for dissimilar crop, got score %f", match.Score)
	}
}

func TestMatcher_ResamplesMismatchedCrop(t *testing.T) {
	m := New(testTuning())
	m.Add("person-a", gradientCrop())

	// A 50x50 probe of the same pattern should still match after resampling.
	small := &imaging.Gray{Width: 50, Height: 50, Pix: make([][]float64, 50)}
	for x := range 50 {
		small.Pix[x] = make([]float64, 50)
		for y := range 50 {
			small.Pix[x][y] = float64(x) * 255 / 49
		}
	}

	match, err := m.Best(small, 0.7)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match == nil {
		t.Fatal("expected a match for resampled probe")
	}
}

func TestMatcher_Count(t *testing.T) {
	m := New(testTuning())

	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}

	m.Add("a", gradientCrop())
	m.Add("b", checkerCrop())

	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
}

func TestMatcher_ShortlistLargerThanRegistry(t *testing.T) {
	cfg := testTuning()
	cfg.ShortlistSize = 100
	m := New(cfg)
	m.Add("only", gradientCrop())

	match, err := m.Best(gradientCrop(), 0.7)
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if match == nil {
		t.Error("expected a match with oversized shortlist")
	}
}
