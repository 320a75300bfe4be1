package generator

// Preset names a fixture shape.
type Preset string

const (
	// PresetDemo creates a handful of users with a few graded submissions each.
	PresetDemo Preset = "demo"

	// PresetVariety mixes pending gradings, low ratings and users with no work.
	PresetVariety Preset = "variety"

	// PresetStressTest creates many users with minimal activity.
	PresetStressTest Preset = "stress-test"
)

// PresetConfig holds the generation parameters for a preset.
type PresetConfig struct {
	Users int

	// Gradings per user (min, max)
	GradingsMin int
	GradingsMax int

	// Feedback entries per completed grading (min, max)
	FeedbackMin int
	FeedbackMax int

	// Fraction of gradings left pending, in [0, 1].
	PendingRatio float64

	// Score range for completed gradings.
	ScoreMin float64
	ScoreMax float64
}

// Presets lists the known presets in display order.
func Presets() []Preset {
	return []Preset{PresetDemo, PresetVariety, PresetStressTest}
}

// GetPresetConfig returns the configuration for a preset. Unknown presets
// fall back to demo.
func GetPresetConfig(preset Preset) PresetConfig {
	switch preset {
	case PresetVariety:
		return PresetConfig{
			Users:        8,
			GradingsMin:  0,
			GradingsMax:  4,
			FeedbackMin:  0,
			FeedbackMax:  2,
			PendingRatio: 0.25,
			ScoreMin:     40,
			ScoreMax:     100,
		}
	case PresetStressTest:
		return PresetConfig{
			Users:       200,
			GradingsMin: 1,
			GradingsMax: 1,
			FeedbackMin: 0,
			FeedbackMax: 1,
			ScoreMin:    0,
			ScoreMax:    100,
		}
	default:
		return PresetConfig{
			Users:       3,
			GradingsMin: 2,
			GradingsMax: 3,
			FeedbackMin: 1,
			FeedbackMax: 1,
			ScoreMin:    70,
			ScoreMax:    95,
		}
	}
}
