// Package seed loads YAML fixtures and replays them through the grading
// commands.
package seed

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture is a set of users and gradings to create.
type Fixture struct {
	Users    []UserFixture    `yaml:"users"`
	Gradings []GradingFixture `yaml:"gradings"`
}

// UserFixture creates one user.
type UserFixture struct {
	UserID   string `yaml:"user_id,omitempty"`
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
}

// GradingFixture requests one grading. A grading with a score is completed
// with that score; without one it stays pending.
type GradingFixture struct {
	UserID     string             `yaml:"user_id"`
	Code       string             `yaml:"code"`
	Language   string             `yaml:"language,omitempty"`
	Dimensions []string           `yaml:"dimensions,omitempty"`
	Score      *float64           `yaml:"score,omitempty"`
	Breakdown  map[string]float64 `yaml:"breakdown,omitempty"`
	Feedback   []FeedbackFixture  `yaml:"feedback,omitempty"`
}

// FeedbackFixture rates the enclosing grading. UserID defaults to the
// grading's user.
type FeedbackFixture struct {
	UserID  string `yaml:"user_id,omitempty"`
	Rating  int    `yaml:"rating"`
	Comment string `yaml:"comment,omitempty"`
}

// Decode reads a fixture from r. Unknown keys are rejected.
func Decode(r io.Reader) (Fixture, error) {
	var fixture Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fixture); err != nil {
		if errors.Is(err, io.EOF) {
			return Fixture{}, errors.New("fixture is empty")
		}
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if err := fixture.Validate(); err != nil {
		return Fixture{}, err
	}
	return fixture, nil
}

// LoadFile reads the fixture at path.
func LoadFile(path string) (Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes fixture to w as YAML.
func Encode(w io.Writer, fixture Fixture) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(fixture); err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	return enc.Close()
}

// Validate reports the first entry missing a required field.
func (f Fixture) Validate() error {
	for i, user := range f.Users {
		if strings.TrimSpace(user.Username) == "" || strings.TrimSpace(user.Email) == "" {
			return fmt.Errorf("users[%d]: username and email are required", i)
		}
	}
	for i, grading := range f.Gradings {
		if strings.TrimSpace(grading.UserID) == "" || strings.TrimSpace(grading.Code) == "" {
			return fmt.Errorf("gradings[%d]: user_id and code are required", i)
		}
		for j, fb := range grading.Feedback {
			if fb.Rating < 1 || fb.Rating > 5 {
				return fmt.Errorf("gradings[%d].feedback[%d]: rating must be between 1 and 5", i, j)
			}
		}
	}
	return nil
}
