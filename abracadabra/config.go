package abracadabra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// hashLayoutVersion identifies the bit layout of packed hashes. Bumped
// whenever PackHash changes, so databases written by one layout refuse
// to serve another.
const hashLayoutVersion = 1

// Params controls every tunable in the spectrogram, peak extraction,
// pairing, and matching pipeline. A database records the parameters that
// shape its fingerprints (all but TopK, MinSupport, and
// MaxNonFiniteRatio); opening it from a build with different values of
// those fails.
type Params struct {
	SampleRate int `yaml:"sample_rate"` // fixed input rate, resampled upstream
	WindowSize int `yaml:"window_size"` // FFT window in samples (power of 2)
	HopSize    int `yaml:"hop_size"`    // samples between successive frames

	TimeNeighborhood int     `yaml:"time_neighborhood"` // +/- frames for the local-max test
	FreqNeighborhood int     `yaml:"freq_neighborhood"` // +/- bins for the local-max test
	Percentile       float64 `yaml:"percentile"`        // magnitude percentile floor for peaks
	PercentileWindow int     `yaml:"percentile_window"` // frames per percentile segment
	PeakDensity      int     `yaml:"peak_density"`      // max peaks kept per second

	FanOut         int `yaml:"fan_out"`          // targets paired with each anchor
	MinDeltaFrames int `yaml:"min_delta_frames"` // smallest anchor-target distance
	MaxDeltaFrames int `yaml:"max_delta_frames"` // largest anchor-target distance

	TopK       int `yaml:"top_k"`       // default result count
	MinSupport int `yaml:"min_support"` // histogram votes required per candidate

	MaxNonFiniteRatio float64 `yaml:"max_non_finite_ratio"` // NaN/Inf tolerance before the input is corrupt
}

// DefaultParams returns the standard music-recognition parameters.
func DefaultParams() Params {
	return Params{
		SampleRate:        22050,
		WindowSize:        2048,
		HopSize:           512,
		TimeNeighborhood:  3,
		FreqNeighborhood:  20,
		Percentile:        85,
		PercentileWindow:  128,
		PeakDensity:       30,
		FanOut:            5,
		MinDeltaFrames:    1,
		MaxDeltaFrames:    100,
		TopK:              3,
		MinSupport:        5,
		MaxNonFiniteRatio: 0.01,
	}
}

// LoadParams overlays a YAML file on top of the defaults. A missing path
// just returns the defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("failed to read params file %q: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse params file %q: %v", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate rejects parameter combinations the pipeline cannot run with.
func (p Params) Validate() error {
	switch {
	case p.SampleRate <= 0:
		return fmt.Errorf("sample_rate must be positive, got %d", p.SampleRate)
	case p.WindowSize <= 0 || p.WindowSize&(p.WindowSize-1) != 0:
		return fmt.Errorf("window_size must be a positive power of 2, got %d", p.WindowSize)
	case p.HopSize <= 0 || p.HopSize > p.WindowSize:
		return fmt.Errorf("hop_size must be in (0, window_size], got %d", p.HopSize)
	case p.MinDeltaFrames < 1 || p.MaxDeltaFrames < p.MinDeltaFrames:
		return fmt.Errorf("delta frame range [%d, %d] is invalid", p.MinDeltaFrames, p.MaxDeltaFrames)
	case p.FanOut < 1:
		return fmt.Errorf("fan_out must be at least 1, got %d", p.FanOut)
	}
	return nil
}

// FrameDuration is the length of one STFT hop in seconds.
func (p Params) FrameDuration() float64 {
	return float64(p.HopSize) / float64(p.SampleRate)
}

// Bins is the number of magnitude bins per frame.
func (p Params) Bins() int {
	return p.WindowSize / 2
}

// Header flattens the parameters that bind a database to its build into
// the key/value form stored in the meta table.
func (p Params) Header() map[string]string {
	return map[string]string{
		"layout_version":    fmt.Sprint(hashLayoutVersion),
		"sample_rate":       fmt.Sprint(p.SampleRate),
		"window_size":       fmt.Sprint(p.WindowSize),
		"hop_size":          fmt.Sprint(p.HopSize),
		"window":            "hann",
		"time_neighborhood": fmt.Sprint(p.TimeNeighborhood),
		"freq_neighborhood": fmt.Sprint(p.FreqNeighborhood),
		"percentile":        fmt.Sprint(p.Percentile),
		"percentile_window": fmt.Sprint(p.PercentileWindow),
		"peak_density":      fmt.Sprint(p.PeakDensity),
		"fan_out":           fmt.Sprint(p.FanOut),
		"min_delta_frames":  fmt.Sprint(p.MinDeltaFrames),
		"max_delta_frames":  fmt.Sprint(p.MaxDeltaFrames),
	}
}
