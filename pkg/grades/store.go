// Package grades stores team grades and per-student adjustments and merges
// them into the grade a student sees for a lab.
package grades

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"electrolab/pkg/apperr"
	"electrolab/pkg/keylock"
	"electrolab/pkg/models"
	"electrolab/pkg/roster"
)

type Store struct {
	db     *gorm.DB
	roster *roster.Service
	locks  keylock.Locker
	log    *zap.Logger
}

func NewStore(db *gorm.DB, r *roster.Service, locks keylock.Locker, log *zap.Logger) *Store {
	return &Store{db: db, roster: r, locks: locks, log: log.Named("grades")}
}

// AdjustmentInput carries the fields of an adjustment to set. Nil fields keep
// their stored value; removing an override is ClearIndividualAdjustment.
type AdjustmentInput struct {
	Grade   *float64 `json:"grade"`
	Comment *string  `json:"comment"`
}

// TeamGradeView is one team of a lab's class with its grade, if any.
type TeamGradeView struct {
	TeamID      string             `json:"teamId"`
	TeamName    string             `json:"teamName"`
	Grade       *float64           `json:"grade"`
	Description string             `json:"description,omitempty"`
	Status      models.GradeStatus `json:"status"`
}

func ValidateGrade(grade float64) error {
	if math.IsNaN(grade) || grade < models.MinGrade || grade > models.MaxGrade {
		return apperr.New(apperr.KindInvalidGrade, "grade must be between %g and %g", models.MinGrade, models.MaxGrade)
	}
	return nil
}

// SetTeamGrade creates or replaces the grade of a team for a lab.
func (s *Store) SetTeamGrade(ctx context.Context, labID, teamID string, grade float64, description, actor string) (models.TeamGrade, error) {
	if err := ValidateGrade(grade); err != nil {
		return models.TeamGrade{}, err
	}
	lab, err := s.roster.GetLab(ctx, labID)
	if err != nil {
		return models.TeamGrade{}, err
	}
	team, err := s.roster.GetTeam(ctx, teamID)
	if err != nil {
		return models.TeamGrade{}, err
	}
	if team.ClassID != lab.ClassID {
		return models.TeamGrade{}, apperr.InvalidInput("team %s is not in the class of lab %s", team.Name, lab.Name)
	}

	unlock, err := s.locks.Lock(ctx, keylock.TeamGradeKey(labID, teamID))
	if err != nil {
		return models.TeamGrade{}, apperr.Internal(err, "lock team grade")
	}
	defer unlock()

	var tg models.TeamGrade
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lab_id = ? AND team_id = ?", labID, teamID).
			Take(&tg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tg = models.TeamGrade{
				LabID:       labID,
				TeamID:      teamID,
				Grade:       grade,
				Description: strings.TrimSpace(description),
				Status:      models.GradeGraded,
				GradedBy:    actor,
			}
			return tx.Create(&tg).Error
		}
		if err != nil {
			return err
		}
		tg.Grade = grade
		tg.Description = strings.TrimSpace(description)
		tg.Status = models.GradeGraded
		tg.GradedBy = actor
		return tx.Model(&tg).Updates(map[string]interface{}{
			"grade":       tg.Grade,
			"description": tg.Description,
			"status":      tg.Status,
			"graded_by":   tg.GradedBy,
		}).Error
	})
	if err != nil {
		return models.TeamGrade{}, apperr.Wrap(err, "set team grade")
	}

	s.log.Info("team grade set",
		zap.String("lab_id", labID),
		zap.String("team_id", teamID),
		zap.Float64("grade", grade),
		zap.String("actor", actor),
	)
	return tg, nil
}

// SetIndividualAdjustment overrides the team grade for one student.
func (s *Store) SetIndividualAdjustment(ctx context.Context, labID, studentID string, in AdjustmentInput, actor string) (models.IndividualAdjustment, error) {
	if in.Grade == nil && in.Comment == nil {
		return models.IndividualAdjustment{}, apperr.InvalidInput("an adjustment needs a grade or a comment")
	}
	if in.Grade != nil {
		if err := ValidateGrade(*in.Grade); err != nil {
			return models.IndividualAdjustment{}, err
		}
	}
	if err := s.checkStudentInLab(ctx, labID, studentID); err != nil {
		return models.IndividualAdjustment{}, err
	}

	unlock, err := s.locks.Lock(ctx, keylock.AdjustmentKey(labID, studentID))
	if err != nil {
		return models.IndividualAdjustment{}, apperr.Internal(err, "lock adjustment")
	}
	defer unlock()

	var adj models.IndividualAdjustment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lab_id = ? AND student_id = ?", labID, studentID).
			Take(&adj).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			adj = models.IndividualAdjustment{
				LabID:      labID,
				StudentID:  studentID,
				Grade:      in.Grade,
				Comment:    in.Comment,
				IsAdjusted: true,
				AdjustedBy: actor,
			}
			return tx.Create(&adj).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"is_adjusted": true, "adjusted_by": actor}
		if in.Grade != nil {
			updates["grade"] = *in.Grade
		}
		if in.Comment != nil {
			updates["comment"] = *in.Comment
		}
		if err := tx.Model(&adj).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", adj.ID).Take(&adj).Error
	})
	if err != nil {
		return models.IndividualAdjustment{}, apperr.Wrap(err, "set individual adjustment")
	}

	s.log.Info("individual adjustment set",
		zap.String("lab_id", labID),
		zap.String("student_id", studentID),
		zap.String("actor", actor),
	)
	return adj, nil
}

func (s *Store) checkStudentInLab(ctx context.Context, labID, studentID string) error {
	lab, err := s.roster.GetLab(ctx, labID)
	if err != nil {
		return err
	}
	if _, err := s.roster.GetStudent(ctx, studentID); err != nil {
		return err
	}
	if _, err := s.roster.TeamOf(ctx, studentID, lab.ClassID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.InvalidInput("student %s is not in the class of lab %s", studentID, lab.Name)
		}
		return err
	}
	return nil
}

// ClearIndividualAdjustment removes the override so the student falls back
// to the team grade. The row stays, with isAdjusted=false.
func (s *Store) ClearIndividualAdjustment(ctx context.Context, labID, studentID, actor string) (models.IndividualAdjustment, error) {
	if err := checkIDs(labID, "student", studentID); err != nil {
		return models.IndividualAdjustment{}, err
	}
	unlock, err := s.locks.Lock(ctx, keylock.AdjustmentKey(labID, studentID))
	if err != nil {
		return models.IndividualAdjustment{}, apperr.Internal(err, "lock adjustment")
	}
	defer unlock()

	var adj models.IndividualAdjustment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lab_id = ? AND student_id = ?", labID, studentID).
			Take(&adj).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !adj.IsAdjusted) {
			return apperr.NotFound("student %s has no adjustment for lab %s", studentID, labID)
		}
		if err != nil {
			return err
		}
		return tx.Model(&adj).Updates(map[string]interface{}{
			"grade":       nil,
			"comment":     nil,
			"is_adjusted": false,
			"adjusted_by": actor,
		}).Error
	})
	if err != nil {
		return models.IndividualAdjustment{}, apperr.Wrap(err, "clear individual adjustment")
	}

	adj.Grade = nil
	adj.Comment = nil
	adj.IsAdjusted = false
	s.log.Info("individual adjustment cleared",
		zap.String("lab_id", labID),
		zap.String("student_id", studentID),
		zap.String("actor", actor),
	)
	return adj, nil
}

func (s *Store) GetTeamGrade(ctx context.Context, labID, teamID string) (models.TeamGrade, error) {
	var tg models.TeamGrade
	if err := checkIDs(labID, "team", teamID); err != nil {
		return tg, err
	}
	err := s.db.WithContext(ctx).Where("lab_id = ? AND team_id = ?", labID, teamID).Take(&tg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tg, apperr.NotFound("team %s has no grade for lab %s", teamID, labID)
	}
	if err != nil {
		return tg, apperr.Internal(err, "load team grade")
	}
	return tg, nil
}

// GetIndividualAdjustment returns the active override of a student. A cleared
// override is reported as NotFound, the same as ClearIndividualAdjustment does.
func (s *Store) GetIndividualAdjustment(ctx context.Context, labID, studentID string) (models.IndividualAdjustment, error) {
	var adj models.IndividualAdjustment
	if err := checkIDs(labID, "student", studentID); err != nil {
		return adj, err
	}
	err := s.db.WithContext(ctx).Where("lab_id = ? AND student_id = ?", labID, studentID).Take(&adj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !adj.IsAdjusted) {
		return adj, apperr.NotFound("student %s has no adjustment for lab %s", studentID, labID)
	}
	if err != nil {
		return adj, apperr.Internal(err, "load adjustment")
	}
	return adj, nil
}

// ListPendingTeams returns the teams of the lab's class without a grade yet.
func (s *Store) ListPendingTeams(ctx context.Context, labID string) ([]models.Team, error) {
	lab, err := s.roster.GetLab(ctx, labID)
	if err != nil {
		return nil, err
	}
	var teams []models.Team
	err = s.db.WithContext(ctx).
		Where("class_id = ?", lab.ClassID).
		Where("NOT EXISTS (SELECT 1 FROM team_grades WHERE team_grades.team_id = teams.id AND team_grades.lab_id = ?)", labID).
		Order("name").
		Find(&teams).Error
	if err != nil {
		return nil, apperr.Internal(err, "list pending teams of lab %s", labID)
	}
	return teams, nil
}

// ListTeamGrades returns every team of the lab's class; teams without a grade
// are reported as pending.
func (s *Store) ListTeamGrades(ctx context.Context, labID string) ([]TeamGradeView, error) {
	lab, err := s.roster.GetLab(ctx, labID)
	if err != nil {
		return nil, err
	}
	teams, err := s.roster.ListTeams(ctx, lab.ClassID)
	if err != nil {
		return nil, err
	}
	graded, err := s.teamGrades(ctx, labID)
	if err != nil {
		return nil, err
	}

	views := make([]TeamGradeView, len(teams))
	for i, team := range teams {
		views[i] = TeamGradeView{TeamID: team.ID, TeamName: team.Name, Status: models.GradePending}
		if tg, ok := graded[team.ID]; ok {
			grade := tg.Grade
			views[i].Grade = &grade
			views[i].Description = tg.Description
			views[i].Status = tg.Status
		}
	}
	return views, nil
}

func checkIDs(labID, entity, id string) error {
	if err := apperr.CheckID("lab", labID); err != nil {
		return err
	}
	return apperr.CheckID(entity, id)
}

func (s *Store) teamGrades(ctx context.Context, labID string) (map[string]models.TeamGrade, error) {
	var rows []models.TeamGrade
	if err := s.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&rows).Error; err != nil {
		return nil, apperr.Internal(err, "load team grades of lab %s", labID)
	}
	out := make(map[string]models.TeamGrade, len(rows))
	for _, r := range rows {
		out[r.TeamID] = r
	}
	return out, nil
}

func (s *Store) adjustments(ctx context.Context, labID string) (map[string]models.IndividualAdjustment, error) {
	var rows []models.IndividualAdjustment
	if err := s.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&rows).Error; err != nil {
		return nil, apperr.Internal(err, "load adjustments of lab %s", labID)
	}
	out := make(map[string]models.IndividualAdjustment, len(rows))
	for _, r := range rows {
		out[r.StudentID] = r
	}
	return out, nil
}
