// Package generator builds synthetic seed fixtures for local development.
package generator

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/louisbranch/gradebook/internal/seed"
)

// Config holds configuration for the generator.
type Config struct {
	Preset  Preset
	Seed    int64
	Users   int // Override preset's user count (0 = use preset default)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Preset: PresetDemo}
}

var (
	languages  = []string{"python", "go", "javascript", "rust"}
	dimensions = []string{"code_quality", "readability", "performance", "security"}
	firstNames = []string{"ada", "grace", "linus", "barbara", "ken", "margaret", "dennis", "frances", "alan", "radia"}
	snippets   = []string{
		"def add(a, b):\n    return a + b\n",
		"func add(a, b int) int { return a + b }\n",
		"const add = (a, b) => a + b;\n",
		"fn add(a: i32, b: i32) -> i32 { a + b }\n",
	}
	comments = []string{"clear breakdown", "score felt low", "helpful", "missed an edge case", ""}
)

// Generator produces fixtures from a preset.
type Generator struct {
	preset PresetConfig
	rng    *rand.Rand
	seed   int64
}

// New creates a Generator with the given configuration.
func New(cfg Config) *Generator {
	preset := GetPresetConfig(cfg.Preset)
	if cfg.Users > 0 {
		preset.Users = cfg.Users
	}
	rng, seed := newRNG(cfg.Seed)
	return &Generator{preset: preset, rng: rng, seed: seed}
}

// Seed returns the seed in use, so a time-seeded fixture can be reproduced.
func (g *Generator) Seed() int64 {
	return g.seed
}

// Fixture builds one fixture. The same seed yields the same fixture.
func (g *Generator) Fixture() seed.Fixture {
	var fixture seed.Fixture
	for i := 0; i < g.preset.Users; i++ {
		user := g.user(i)
		fixture.Users = append(fixture.Users, user)

		n := g.randomRange(g.preset.GradingsMin, g.preset.GradingsMax)
		for j := 0; j < n; j++ {
			fixture.Gradings = append(fixture.Gradings, g.grading(user.UserID))
		}
	}
	return fixture
}

func (g *Generator) user(index int) seed.UserFixture {
	name := firstNames[index%len(firstNames)]
	if index >= len(firstNames) {
		name = fmt.Sprintf("%s%d", name, index/len(firstNames))
	}
	return seed.UserFixture{
		UserID:   fmt.Sprintf("seed-user-%03d", index+1),
		Username: name,
		Email:    name + "@example.com",
	}
}

func (g *Generator) grading(userID string) seed.GradingFixture {
	lang := g.rng.Intn(len(languages))
	grading := seed.GradingFixture{
		UserID:     userID,
		Code:       snippets[lang],
		Language:   languages[lang],
		Dimensions: g.pickDimensions(),
	}
	if g.rng.Float64() < g.preset.PendingRatio {
		return grading
	}

	score := g.score()
	grading.Score = &score
	grading.Breakdown = make(map[string]float64, len(grading.Dimensions))
	for _, dim := range grading.Dimensions {
		grading.Breakdown[dim] = score
	}
	n := g.randomRange(g.preset.FeedbackMin, g.preset.FeedbackMax)
	for i := 0; i < n; i++ {
		grading.Feedback = append(grading.Feedback, seed.FeedbackFixture{
			Rating:  1 + g.rng.Intn(5),
			Comment: comments[g.rng.Intn(len(comments))],
		})
	}
	return grading
}

func (g *Generator) pickDimensions() []string {
	n := 1 + g.rng.Intn(2)
	start := g.rng.Intn(len(dimensions))
	picked := make([]string, 0, n)
	for i := 0; i < n; i++ {
		picked = append(picked, dimensions[(start+i)%len(dimensions)])
	}
	return picked
}

// score rounds to one decimal so fixtures stay readable as YAML.
func (g *Generator) score() float64 {
	value := g.preset.ScoreMin + g.rng.Float64()*(g.preset.ScoreMax-g.preset.ScoreMin)
	return math.Round(value*10) / 10
}

// randomRange returns a random number in [min, max].
func (g *Generator) randomRange(min, max int) int {
	if min >= max {
		return min
	}
	return min + g.rng.Intn(max-min+1)
}
