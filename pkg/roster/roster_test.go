package roster

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"electrolab/pkg/apperr"
	"electrolab/pkg/database/dbtest"
	"electrolab/pkg/models"
)

func setupTestRoster(t *testing.T) *Service {
	return NewService(dbtest.Open(t), zap.NewNop())
}

func TestTeamMembership(t *testing.T) {
	s := setupTestRoster(t)
	ctx := context.Background()

	class, err := s.CreateClass(ctx, ClassInput{Name: "Embedded Systems L01", SubjectID: "EE3001"})
	require.NoError(t, err)
	other, err := s.CreateClass(ctx, ClassInput{Name: "Digital Design L02"})
	require.NoError(t, err)

	alpha, err := s.CreateTeam(ctx, class.ID, "Alpha")
	require.NoError(t, err)
	beta, err := s.CreateTeam(ctx, class.ID, "Beta")
	require.NoError(t, err)
	gamma, err := s.CreateTeam(ctx, other.ID, "Gamma")
	require.NoError(t, err)

	student, err := s.CreateStudent(ctx, StudentInput{Code: "2012345", FullName: "Tran Thi B"})
	require.NoError(t, err)

	require.NoError(t, s.AddMember(ctx, alpha.ID, student.ID))
	err = s.AddMember(ctx, beta.ID, student.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "one team per class")
	require.NoError(t, s.AddMember(ctx, gamma.ID, student.ID))

	team, err := s.TeamOf(ctx, student.ID, class.ID)
	require.NoError(t, err)
	assert.Equal(t, alpha.ID, team.ID)

	team, err = s.TeamOf(ctx, student.ID, other.ID)
	require.NoError(t, err)
	assert.Equal(t, gamma.ID, team.ID)

	classes, err := s.ListClassesOf(ctx, student.ID)
	require.NoError(t, err)
	assert.Len(t, classes, 2)

	students, err := s.ListClassStudents(ctx, class.ID)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "Alpha", students[0].TeamName)
	assert.Equal(t, "2012345", students[0].Code)

	teams, err := s.ListTeams(ctx, class.ID)
	require.NoError(t, err)
	assert.Len(t, teams, 2)
}

func TestNotFoundAndValidation(t *testing.T) {
	s := setupTestRoster(t)
	ctx := context.Background()

	_, err := s.CreateTeam(ctx, "missing", "Alpha")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.CreateClass(ctx, ClassInput{Name: "  "})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = s.CreateStudent(ctx, StudentInput{Code: "1", FullName: "A"})
	require.NoError(t, err)
	_, err = s.CreateStudent(ctx, StudentInput{Code: "1", FullName: "B"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = s.TeamOf(ctx, "nobody", "nowhere")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.GetLab(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	s := setupTestRoster(t)
	ctx := context.Background()

	_, err := s.GetClass(ctx, "EE-21")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetTeam(ctx, "undefined")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.GetStudent(ctx, "EE21001")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.ListClassStudents(ctx, "EE-21")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.ListClassesOf(ctx, "EE21001")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.BorrowerName(ctx, models.BorrowerRef{Kind: models.BorrowerTeam, ID: "team-1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.BorrowerName(ctx, models.BorrowerRef{Kind: models.BorrowerStudent, ID: "undefined"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	names, err := s.BorrowerNames(ctx, []models.BorrowerRef{{Kind: models.BorrowerTeam, ID: "team-1"}})
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateLabRequirements(t *testing.T) {
	db := dbtest.Open(t)
	s := NewService(db, zap.NewNop())
	ctx := context.Background()

	scope := models.ResourceType{ID: uuid.New().String(), Kind: models.KindEquipment, Name: "Oscilloscope", Code: "OSC"}
	kit := models.ResourceType{ID: uuid.New().String(), Kind: models.KindKit, Name: "Arduino Kit", Code: "ARD"}
	require.NoError(t, db.Create(&scope).Error)
	require.NoError(t, db.Create(&kit).Error)

	class, err := s.CreateClass(ctx, ClassInput{Name: "Embedded Systems L01", SubjectID: "EE3001"})
	require.NoError(t, err)

	lab, err := s.CreateLab(ctx, LabInput{
		Name:            "Lab 1: GPIO",
		ClassID:         class.ID,
		RequiredTypeIDs: []string{scope.ID, kit.ID, kit.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "EE3001", lab.SubjectID)
	assert.Equal(t, []string{scope.ID}, lab.RequiredEquipment)
	assert.Equal(t, []string{kit.ID}, lab.RequiredKits)
	assert.Len(t, lab.Requirements, 2)

	_, err = s.CreateLab(ctx, LabInput{Name: "Lab 2", ClassID: class.ID, RequiredTypeIDs: []string{"nope"}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	labs, err := s.ListLabs(ctx, class.ID)
	require.NoError(t, err)
	assert.Len(t, labs, 1)
}

func TestBorrowerNames(t *testing.T) {
	s := setupTestRoster(t)
	ctx := context.Background()

	class, err := s.CreateClass(ctx, ClassInput{Name: "Embedded Systems L01"})
	require.NoError(t, err)
	team, err := s.CreateTeam(ctx, class.ID, "Alpha")
	require.NoError(t, err)
	student, err := s.CreateStudent(ctx, StudentInput{Code: "2012345", FullName: "Tran Thi B"})
	require.NoError(t, err)

	teamRef := models.BorrowerRef{Kind: models.BorrowerTeam, ID: team.ID}
	studentRef := models.BorrowerRef{Kind: models.BorrowerStudent, ID: student.ID}
	ghost := models.BorrowerRef{Kind: models.BorrowerStudent, ID: "ghost"}

	name, err := s.BorrowerName(ctx, teamRef)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", name)

	_, err = s.BorrowerName(ctx, ghost)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	names, err := s.BorrowerNames(ctx, []models.BorrowerRef{teamRef, studentRef, ghost, teamRef})
	require.NoError(t, err)
	assert.Equal(t, map[models.BorrowerRef]string{teamRef: "Alpha", studentRef: "Tran Thi B"}, names)
}
