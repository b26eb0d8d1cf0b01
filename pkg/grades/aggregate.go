package grades

import (
	"context"
	"errors"

	"electrolab/pkg/apperr"
	"electrolab/pkg/models"
	"electrolab/pkg/roster"
)

type Source string

const (
	SourceIndividual Source = "individual"
	SourceTeam       Source = "team"
	SourceNone       Source = "none"
)

// DisplayedGrade is what a student sees for one lab.
type DisplayedGrade struct {
	Value   *float64           `json:"value"`
	Source  Source             `json:"source"`
	Comment string             `json:"comment,omitempty"`
	Status  models.GradeStatus `json:"status"`
}

// Resolve applies grade precedence: an active adjustment with a grade wins,
// then the team grade, otherwise the student is ungraded. Either argument
// may be nil.
func Resolve(adj *models.IndividualAdjustment, tg *models.TeamGrade) DisplayedGrade {
	if adj != nil && adj.IsAdjusted && adj.Grade != nil {
		value := *adj.Grade
		d := DisplayedGrade{Value: &value, Source: SourceIndividual, Status: models.GradeGraded}
		if adj.Comment != nil {
			d.Comment = *adj.Comment
		}
		return d
	}
	if tg != nil {
		value := tg.Grade
		return DisplayedGrade{Value: &value, Source: SourceTeam, Comment: tg.Description, Status: models.GradeGraded}
	}
	return DisplayedGrade{Source: SourceNone, Status: models.GradePending}
}

type Aggregator struct {
	store  *Store
	roster *roster.Service
}

func NewAggregator(store *Store, r *roster.Service) *Aggregator {
	return &Aggregator{store: store, roster: r}
}

// DisplayedGrade looks up the student's adjustment and team grade for the lab
// and resolves them. A student with no team in the lab's class and no
// adjustment is not part of the lab.
func (a *Aggregator) DisplayedGrade(ctx context.Context, studentID, labID string) (DisplayedGrade, error) {
	lab, err := a.roster.GetLab(ctx, labID)
	if err != nil {
		return DisplayedGrade{}, err
	}
	if _, err := a.roster.GetStudent(ctx, studentID); err != nil {
		return DisplayedGrade{}, err
	}

	var adj *models.IndividualAdjustment
	found, err := a.store.GetIndividualAdjustment(ctx, labID, studentID)
	switch {
	case err == nil:
		adj = &found
	case !errors.Is(err, apperr.ErrNotFound):
		return DisplayedGrade{}, err
	}
	if d := Resolve(adj, nil); d.Source == SourceIndividual {
		return d, nil
	}

	team, err := a.roster.TeamOf(ctx, studentID, lab.ClassID)
	if err != nil {
		return DisplayedGrade{}, err
	}
	tg, err := a.store.GetTeamGrade(ctx, labID, team.ID)
	switch {
	case err == nil:
		return Resolve(adj, &tg), nil
	case errors.Is(err, apperr.ErrNotFound):
		return Resolve(adj, nil), nil
	}
	return DisplayedGrade{}, err
}

// GradebookRow is one student of a lab's class with their displayed grade.
type GradebookRow struct {
	StudentID   string `json:"studentId"`
	StudentCode string `json:"studentCode"`
	FullName    string `json:"fullName"`
	TeamID      string `json:"teamId"`
	TeamName    string `json:"teamName"`
	DisplayedGrade
}

// Gradebook resolves every student of the lab's class with three queries
// instead of one lookup per student.
func (a *Aggregator) Gradebook(ctx context.Context, labID string) ([]GradebookRow, error) {
	lab, err := a.roster.GetLab(ctx, labID)
	if err != nil {
		return nil, err
	}
	students, err := a.roster.ListClassStudents(ctx, lab.ClassID)
	if err != nil {
		return nil, err
	}
	teamGrades, err := a.store.teamGrades(ctx, labID)
	if err != nil {
		return nil, err
	}
	adjustments, err := a.store.adjustments(ctx, labID)
	if err != nil {
		return nil, err
	}

	rows := make([]GradebookRow, len(students))
	for i, st := range students {
		var adj *models.IndividualAdjustment
		if found, ok := adjustments[st.StudentID]; ok {
			adj = &found
		}
		var tg *models.TeamGrade
		if found, ok := teamGrades[st.TeamID]; ok {
			tg = &found
		}
		rows[i] = GradebookRow{
			StudentID:      st.StudentID,
			StudentCode:    st.Code,
			FullName:       st.FullName,
			TeamID:         st.TeamID,
			TeamName:       st.TeamName,
			DisplayedGrade: Resolve(adj, tg),
		}
	}
	return rows, nil
}

// StudentGrade is a displayed grade labelled with its lab.
type StudentGrade struct {
	LabID   string `json:"labId"`
	LabName string `json:"labName"`
	ClassID string `json:"classId"`
	DisplayedGrade
}

// StudentGrades lists the displayed grade of every lab of every class the
// student is on a team in.
func (a *Aggregator) StudentGrades(ctx context.Context, studentID string) ([]StudentGrade, error) {
	if _, err := a.roster.GetStudent(ctx, studentID); err != nil {
		return nil, err
	}
	classes, err := a.roster.ListClassesOf(ctx, studentID)
	if err != nil {
		return nil, err
	}

	out := []StudentGrade{}
	for _, class := range classes {
		labs, err := a.roster.ListLabs(ctx, class.ID)
		if err != nil {
			return nil, err
		}
		for _, lab := range labs {
			d, err := a.DisplayedGrade(ctx, studentID, lab.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, StudentGrade{LabID: lab.ID, LabName: lab.Name, ClassID: class.ID, DisplayedGrade: d})
		}
	}
	return out, nil
}
