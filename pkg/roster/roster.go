// Package roster keeps classes, teams, students and labs. The ledger uses it
// to name borrowers and the grade aggregator to find a student's team.
package roster

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"electrolab/pkg/apperr"
	"electrolab/pkg/models"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(db *gorm.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log.Named("roster")}
}

type ClassInput struct {
	Name      string `json:"name" binding:"required"`
	SubjectID string `json:"subjectId"`
}

type StudentInput struct {
	Code     string `json:"code" binding:"required"`
	FullName string `json:"fullName" binding:"required"`
}

type LabInput struct {
	Name            string   `json:"name" binding:"required"`
	SubjectID       string   `json:"subjectId"`
	ClassID         string   `json:"classId" binding:"required"`
	RequiredTypeIDs []string `json:"requiredTypeIds"`
}

// LabView splits the advisory requirements by resource kind.
type LabView struct {
	models.Lab
	RequiredEquipment []string `json:"requiredEquipment"`
	RequiredKits      []string `json:"requiredKits"`
}

// ClassStudent is a student of a class with the team they belong to, if any.
type ClassStudent struct {
	StudentID string `json:"studentId"`
	Code      string `json:"code"`
	FullName  string `json:"fullName"`
	TeamID    string `json:"teamId,omitempty"`
	TeamName  string `json:"teamName,omitempty"`
}

func (s *Service) CreateClass(ctx context.Context, in ClassInput) (models.Class, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Class{}, apperr.InvalidInput("class name is required")
	}
	class := models.Class{ID: uuid.New().String(), Name: name, SubjectID: in.SubjectID}
	if err := s.db.WithContext(ctx).Create(&class).Error; err != nil {
		return models.Class{}, apperr.Internal(err, "create class")
	}
	s.log.Info("class created", zap.String("class_id", class.ID))
	return class, nil
}

func (s *Service) GetClass(ctx context.Context, id string) (models.Class, error) {
	var class models.Class
	if err := apperr.CheckID("class", id); err != nil {
		return class, err
	}
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&class).Error
	return class, apperr.Lookup(err, "class", id)
}

func (s *Service) CreateTeam(ctx context.Context, classID, name string) (models.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Team{}, apperr.InvalidInput("team name is required")
	}
	if _, err := s.GetClass(ctx, classID); err != nil {
		return models.Team{}, err
	}
	team := models.Team{ID: uuid.New().String(), ClassID: classID, Name: name}
	if err := s.db.WithContext(ctx).Create(&team).Error; err != nil {
		return models.Team{}, apperr.Internal(err, "create team")
	}
	s.log.Info("team created", zap.String("team_id", team.ID), zap.String("class_id", classID))
	return team, nil
}

func (s *Service) GetTeam(ctx context.Context, id string) (models.Team, error) {
	var team models.Team
	if err := apperr.CheckID("team", id); err != nil {
		return team, err
	}
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&team).Error
	return team, apperr.Lookup(err, "team", id)
}

func (s *Service) ListTeams(ctx context.Context, classID string) ([]models.Team, error) {
	var teams []models.Team
	if err := s.db.WithContext(ctx).Where("class_id = ?", classID).Order("name").Find(&teams).Error; err != nil {
		return nil, apperr.Internal(err, "list teams of class %s", classID)
	}
	return teams, nil
}

func (s *Service) CreateStudent(ctx context.Context, in StudentInput) (models.Student, error) {
	code := strings.TrimSpace(in.Code)
	fullName := strings.TrimSpace(in.FullName)
	if code == "" || fullName == "" {
		return models.Student{}, apperr.InvalidInput("student code and full name are required")
	}
	student := models.Student{ID: uuid.New().String(), Code: code, FullName: fullName}
	if err := s.db.WithContext(ctx).Create(&student).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.Student{}, apperr.InvalidInput("student code %q is already used", code)
		}
		return models.Student{}, apperr.Internal(err, "create student")
	}
	return student, nil
}

func (s *Service) GetStudent(ctx context.Context, id string) (models.Student, error) {
	var student models.Student
	if err := apperr.CheckID("student", id); err != nil {
		return student, err
	}
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&student).Error
	return student, apperr.Lookup(err, "student", id)
}

// AddMember puts a student in a team. A student belongs to at most one team
// per class.
func (s *Service) AddMember(ctx context.Context, teamID, studentID string) error {
	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if _, err := s.GetStudent(ctx, studentID); err != nil {
		return err
	}

	member := models.TeamMember{ClassID: team.ClassID, TeamID: teamID, StudentID: studentID}
	if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.InvalidInput("student %s already has a team in class %s", studentID, team.ClassID)
		}
		return apperr.Internal(err, "add member")
	}
	s.log.Info("team member added", zap.String("team_id", teamID), zap.String("student_id", studentID))
	return nil
}

// TeamOf returns the team the student belongs to within a class.
func (s *Service) TeamOf(ctx context.Context, studentID, classID string) (models.Team, error) {
	if apperr.CheckID("student", studentID) != nil || apperr.CheckID("class", classID) != nil {
		return models.Team{}, apperr.NotFound("student %s has no team in class %s", studentID, classID)
	}
	var team models.Team
	err := s.db.WithContext(ctx).
		Joins("JOIN team_members ON team_members.team_id = teams.id").
		Where("team_members.student_id = ? AND team_members.class_id = ?", studentID, classID).
		Take(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Team{}, apperr.NotFound("student %s has no team in class %s", studentID, classID)
	}
	if err != nil {
		return models.Team{}, apperr.Internal(err, "find team of student %s", studentID)
	}
	return team, nil
}

func (s *Service) ListClassStudents(ctx context.Context, classID string) ([]ClassStudent, error) {
	if err := apperr.CheckID("class", classID); err != nil {
		return nil, err
	}
	var rows []ClassStudent
	err := s.db.WithContext(ctx).
		Table("team_members").
		Select("students.id AS student_id, students.code, students.full_name, teams.id AS team_id, teams.name AS team_name").
		Joins("JOIN students ON students.id = team_members.student_id").
		Joins("JOIN teams ON teams.id = team_members.team_id").
		Where("team_members.class_id = ?", classID).
		Order("students.full_name").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Internal(err, "list students of class %s", classID)
	}
	return rows, nil
}

// ListClassesOf returns every class in which the student is on a team.
func (s *Service) ListClassesOf(ctx context.Context, studentID string) ([]models.Class, error) {
	if err := apperr.CheckID("student", studentID); err != nil {
		return nil, err
	}
	var classes []models.Class
	err := s.db.WithContext(ctx).
		Joins("JOIN team_members ON team_members.class_id = classes.id").
		Where("team_members.student_id = ?", studentID).
		Order("classes.name").
		Find(&classes).Error
	if err != nil {
		return nil, apperr.Internal(err, "list classes of student %s", studentID)
	}
	return classes, nil
}

func (s *Service) CreateLab(ctx context.Context, in LabInput) (LabView, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return LabView{}, apperr.InvalidInput("lab name is required")
	}
	class, err := s.GetClass(ctx, in.ClassID)
	if err != nil {
		return LabView{}, err
	}

	typeIDs := dedupe(in.RequiredTypeIDs)
	for _, id := range typeIDs {
		if err := apperr.CheckID("resource type", id); err != nil {
			return LabView{}, err
		}
	}
	if len(typeIDs) > 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.ResourceType{}).Where("id IN ?", typeIDs).Count(&n).Error; err != nil {
			return LabView{}, apperr.Internal(err, "check required types")
		}
		if int(n) != len(typeIDs) {
			return LabView{}, apperr.NotFound("some required resource types do not exist")
		}
	}

	subject := in.SubjectID
	if subject == "" {
		subject = class.SubjectID
	}
	lab := models.Lab{ID: uuid.New().String(), Name: name, SubjectID: subject, ClassID: class.ID}
	for _, id := range typeIDs {
		lab.Requirements = append(lab.Requirements, models.LabRequirement{TypeID: id, Quantity: 1})
	}
	if err := s.db.WithContext(ctx).Create(&lab).Error; err != nil {
		return LabView{}, apperr.Internal(err, "create lab")
	}

	s.log.Info("lab created", zap.String("lab_id", lab.ID), zap.String("class_id", class.ID))
	return s.GetLab(ctx, lab.ID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *Service) GetLab(ctx context.Context, id string) (LabView, error) {
	if err := apperr.CheckID("lab", id); err != nil {
		return LabView{}, err
	}
	var lab models.Lab
	if err := s.db.WithContext(ctx).Preload("Requirements").Where("id = ?", id).Take(&lab).Error; err != nil {
		return LabView{}, apperr.Lookup(err, "lab", id)
	}

	view := LabView{Lab: lab, RequiredEquipment: []string{}, RequiredKits: []string{}}
	if len(lab.Requirements) == 0 {
		return view, nil
	}

	ids := make([]string, len(lab.Requirements))
	for i, r := range lab.Requirements {
		ids[i] = r.TypeID
	}
	var types []models.ResourceType
	if err := s.db.WithContext(ctx).Unscoped().Where("id IN ?", ids).Find(&types).Error; err != nil {
		return LabView{}, apperr.Internal(err, "load required types of lab %s", id)
	}
	for _, t := range types {
		if t.Kind == models.KindKit {
			view.RequiredKits = append(view.RequiredKits, t.ID)
		} else {
			view.RequiredEquipment = append(view.RequiredEquipment, t.ID)
		}
	}
	return view, nil
}

func (s *Service) ListLabs(ctx context.Context, classID string) ([]models.Lab, error) {
	var labs []models.Lab
	if err := s.db.WithContext(ctx).Where("class_id = ?", classID).Order("created_at").Find(&labs).Error; err != nil {
		return nil, apperr.Internal(err, "list labs of class %s", classID)
	}
	return labs, nil
}

// BorrowerName resolves a team or student reference for loan views.
func (s *Service) BorrowerName(ctx context.Context, ref models.BorrowerRef) (string, error) {
	switch ref.Kind {
	case models.BorrowerTeam:
		team, err := s.GetTeam(ctx, ref.ID)
		return team.Name, err
	case models.BorrowerStudent:
		student, err := s.GetStudent(ctx, ref.ID)
		return student.FullName, err
	}
	return "", apperr.InvalidInput("unknown borrower kind %q", ref.Kind)
}

// BorrowerNames resolves many references with one query per kind. Unknown
// references are left out of the result.
func (s *Service) BorrowerNames(ctx context.Context, refs []models.BorrowerRef) (map[models.BorrowerRef]string, error) {
	var teamIDs, studentIDs []string
	for _, ref := range refs {
		if apperr.CheckID(string(ref.Kind), ref.ID) != nil {
			continue
		}
		switch ref.Kind {
		case models.BorrowerTeam:
			teamIDs = append(teamIDs, ref.ID)
		case models.BorrowerStudent:
			studentIDs = append(studentIDs, ref.ID)
		}
	}

	names := make(map[models.BorrowerRef]string, len(refs))
	if len(teamIDs) > 0 {
		var teams []models.Team
		if err := s.db.WithContext(ctx).Where("id IN ?", dedupe(teamIDs)).Find(&teams).Error; err != nil {
			return nil, apperr.Internal(err, "load team names")
		}
		for _, t := range teams {
			names[models.BorrowerRef{Kind: models.BorrowerTeam, ID: t.ID}] = t.Name
		}
	}
	if len(studentIDs) > 0 {
		var students []models.Student
		if err := s.db.WithContext(ctx).Where("id IN ?", dedupe(studentIDs)).Find(&students).Error; err != nil {
			return nil, apperr.Internal(err, "load student names")
		}
		for _, st := range students {
			names[models.BorrowerRef{Kind: models.BorrowerStudent, ID: st.ID}] = st.FullName
		}
	}
	return names, nil
}
