package diagnostics

import "fmt"

// Schedule is the cadence configuration consulted by the training loop.
// It is read-only once training starts.
type Schedule struct {
	PrintFreq     int // steps between progress lines
	EvalFreq      int // epochs between validations
	StatFreq      int // steps between diagnostic measurements
	EpochInterval int // epochs between pretrained checkpoint replays

	SaveNoise     bool
	SaveSharpness bool
	NoiseSize     int // batches per true gradient and stochastic samples per measurement
}

// Validate rejects non-positive frequencies and an empty noise sample.
func (s Schedule) Validate() error {
	for _, f := range []struct {
		name  string
		value int
	}{
		{"print_freq", s.PrintFreq},
		{"eval_freq", s.EvalFreq},
		{"stat_freq", s.StatFreq},
		{"epoch_interval", s.EpochInterval},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.value)
		}
	}
	if s.SaveNoise && s.NoiseSize <= 0 {
		return fmt.Errorf("noise_size must be positive, got %d", s.NoiseSize)
	}
	return nil
}

// Enabled reports whether any diagnostic is configured.
func (s Schedule) Enabled() bool {
	return s.SaveNoise || s.SaveSharpness
}

// Due reports whether a measurement runs at step. In replay mode every
// visited step is measured.
func (s Schedule) Due(step int, replay bool) bool {
	return s.Enabled() && (replay || step%s.StatFreq == 0)
}

// NoiseDue reports whether the pre-update true gradient is captured at step.
// Replayed checkpoints take no optimizer step, so there is nothing to capture.
func (s Schedule) NoiseDue(step int, replay bool) bool {
	return s.SaveNoise && !replay && step%s.StatFreq == 0
}

// ShouldPrint reports whether a progress line is written at step.
func (s Schedule) ShouldPrint(step int) bool {
	return step%s.PrintFreq == 0
}

// ShouldEvaluate reports whether epoch ends with a validation pass.
func (s Schedule) ShouldEvaluate(epoch int) bool {
	return epoch%s.EvalFreq == 0
}

// ShouldReplay reports whether epoch loads a pretrained checkpoint.
func (s Schedule) ShouldReplay(epoch int) bool {
	return epoch%s.EpochInterval == 0
}
