package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/gradebook/internal/platform/requestctx"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/command"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
)

// Source is recorded in the metadata of every seeded event.
const Source = "seed"

// Commands is the subset of the command handler seeding drives.
type Commands interface {
	CreateUser(ctx context.Context, cmd command.CreateUser) (string, error)
	RequestGrading(ctx context.Context, cmd command.GradeCode) (string, error)
	CompleteGrading(ctx context.Context, cmd command.CompleteGrading) error
	SubmitFeedback(ctx context.Context, cmd command.SubmitFeedback) (string, error)
}

// Result counts what Apply created.
type Result struct {
	UsersCreated     int      `json:"users_created"`
	UsersExisting    int      `json:"users_existing"`
	GradingIDs       []string `json:"grading_ids"`
	GradingsComplete int      `json:"gradings_completed"`
	Feedback         int      `json:"feedback"`
}

// Apply replays fixture through commands. Users whose id already exists are
// counted and skipped, so a fixture can be applied to a seeded log again;
// gradings are always new.
func Apply(ctx context.Context, commands Commands, fixture Fixture) (Result, error) {
	var result Result
	if commands == nil {
		return result, errors.New("commands are required")
	}
	if err := fixture.Validate(); err != nil {
		return result, err
	}
	ctx = requestctx.WithSource(ctx, Source)

	for i, user := range fixture.Users {
		_, err := commands.CreateUser(ctx, command.CreateUser{
			UserID:   user.UserID,
			Username: user.Username,
			Email:    user.Email,
		})
		switch {
		case err == nil:
			result.UsersCreated++
		case user.UserID != "" && errors.Is(err, storage.ErrVersionConflict):
			result.UsersExisting++
		default:
			return result, fmt.Errorf("users[%d]: %w", i, err)
		}
	}

	for i, grading := range fixture.Gradings {
		gradingID, err := commands.RequestGrading(ctx, command.GradeCode{
			UserID:     grading.UserID,
			Code:       grading.Code,
			Language:   grading.Language,
			Dimensions: grading.Dimensions,
		})
		if err != nil {
			return result, fmt.Errorf("gradings[%d]: %w", i, err)
		}
		result.GradingIDs = append(result.GradingIDs, gradingID)

		if grading.Score != nil {
			if err := commands.CompleteGrading(ctx, command.CompleteGrading{
				GradingID:  gradingID,
				UserID:     grading.UserID,
				Score:      *grading.Score,
				Dimensions: grading.Dimensions,
				Breakdown:  grading.Breakdown,
			}); err != nil {
				return result, fmt.Errorf("gradings[%d]: complete: %w", i, err)
			}
			result.GradingsComplete++
		}

		for j, fb := range grading.Feedback {
			userID := fb.UserID
			if userID == "" {
				userID = grading.UserID
			}
			if _, err := commands.SubmitFeedback(ctx, command.SubmitFeedback{
				UserID:    userID,
				GradingID: gradingID,
				Rating:    fb.Rating,
				Comment:   fb.Comment,
			}); err != nil {
				return result, fmt.Errorf("gradings[%d].feedback[%d]: %w", i, j, err)
			}
			result.Feedback++
		}
	}
	return result, nil
}
