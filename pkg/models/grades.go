package models

import "time"

type GradeStatus string

const (
	GradePending GradeStatus = "pending"
	GradeGraded  GradeStatus = "graded"
)

const (
	MinGrade = 0.0
	MaxGrade = 10.0
)

type TeamGrade struct {
	ID          uint        `gorm:"primaryKey" json:"-"`
	LabID       string      `gorm:"type:uuid;not null;uniqueIndex:idx_team_grade_key" json:"labId"`
	TeamID      string      `gorm:"type:uuid;not null;uniqueIndex:idx_team_grade_key" json:"teamId"`
	Grade       float64     `gorm:"not null" json:"grade"`
	Description string      `gorm:"size:1000" json:"description"`
	Status      GradeStatus `gorm:"size:20;not null" json:"status"`
	GradedBy    string      `gorm:"size:80" json:"gradedBy,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// IndividualAdjustment overrides the team grade for one student in one lab.
type IndividualAdjustment struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	LabID      string    `gorm:"type:uuid;not null;uniqueIndex:idx_adjustment_key" json:"labId"`
	StudentID  string    `gorm:"type:uuid;not null;uniqueIndex:idx_adjustment_key" json:"studentId"`
	Grade      *float64  `json:"grade"`
	Comment    *string   `gorm:"size:1000" json:"comment"`
	IsAdjusted bool      `gorm:"not null;default:false" json:"isAdjusted"`
	AdjustedBy string    `gorm:"size:80" json:"adjustedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
