package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TuningConfig carries the analysis parameters. Defaults are embedded from
// defaults.yaml; individual values can be overridden per deployment with
// STOREWATCH_TUNING pointing at a YAML file of the same shape.
type TuningConfig struct {
	Tracker TrackerTuning `yaml:"tracker"`
	Matcher MatcherTuning `yaml:"matcher"`
	Payment PaymentTuning `yaml:"payment"`
}

type TrackerTuning struct {
	MaxFrameGap          int     `yaml:"max_frame_gap"`          // frames a track may go unseen before it dies
	MaxProximityDistance float64 `yaml:"max_proximity_distance"` // pixels between centers for assignment
	MaxLiveTracks        int     `yaml:"max_live_tracks"`        // cap on simultaneously live tracks
}

type MatcherTuning struct {
	IdentifyThreshold float64 `yaml:"identify_threshold"` // SSIM floor in identify mode
	MixedThreshold    float64 `yaml:"mixed_threshold"`    // SSIM floor in mixed mode
	CropSize          int     `yaml:"crop_size"`          // side of the square comparison crop
	HeadRatio         float64 `yaml:"head_ratio"`         // upper fraction of the person box used as head crop
	ShortlistSize     int     `yaml:"shortlist_size"`     // ANN candidates scored exactly per probe
}

type PaymentTuning struct {
	MinConfidence        float64 `yaml:"min_confidence"`
	NMSScoreThreshold    float64 `yaml:"nms_score_threshold"`
	NMSOverlapThreshold  float64 `yaml:"nms_overlap_threshold"`
	DedupFrameWindow     int     `yaml:"dedup_frame_window"`
	DedupConfidenceDelta float64 `yaml:"dedup_confidence_delta"`
	MergeFrameWindow     int     `yaml:"merge_frame_window"`
	MergePixelWindow     float64 `yaml:"merge_pixel_window"`
}

// LoadTuning parses the embedded defaults, then overlays the YAML file named
// by STOREWATCH_TUNING when the variable is set. Keys absent from the
// override file keep their default values. The embedded file ships with the
// binary so a parse failure there is a build defect, not a runtime condition.
func LoadTuning() TuningConfig {
	var t TuningConfig
	if err := yaml.Unmarshal(defaultsYAML, &t); err != nil {
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	path := os.Getenv("STOREWATCH_TUNING")
	if path == "" {
		return t
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("Warning: cannot read tuning overrides from %s: %v\n", path, err)
		return t
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		fmt.Printf("Warning: invalid tuning overrides in %s: %v\n", path, err)
	}
	return t
}
