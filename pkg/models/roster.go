package models

import "time"

type Class struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"size:120;not null" json:"name"`
	SubjectID string    `gorm:"size:64;index" json:"subjectId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Team struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	ClassID   string    `gorm:"type:uuid;not null;index" json:"classId"`
	Name      string    `gorm:"size:120;not null" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Student struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Code      string    `gorm:"size:40;not null;uniqueIndex" json:"code"`
	FullName  string    `gorm:"size:160;not null" json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
}

// TeamMember places a student in one team of a class. The unique index keeps
// a student in at most one team per class.
type TeamMember struct {
	ID        uint   `gorm:"primaryKey"`
	ClassID   string `gorm:"type:uuid;not null;uniqueIndex:idx_member_class_student"`
	StudentID string `gorm:"type:uuid;not null;uniqueIndex:idx_member_class_student"`
	TeamID    string `gorm:"type:uuid;not null;index"`
}

type Lab struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"size:160;not null" json:"name"`
	SubjectID string    `gorm:"size:64;index" json:"subjectId"`
	ClassID   string    `gorm:"type:uuid;not null;index" json:"classId"`
	CreatedAt time.Time `json:"createdAt"`

	Requirements []LabRequirement `gorm:"foreignKey:LabID" json:"requirements,omitempty"`
}

// LabRequirement declares a resource type a lab needs. It is advisory and is
// not consulted when a loan is opened.
type LabRequirement struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	LabID    string `gorm:"type:uuid;not null;index" json:"labId"`
	TypeID   string `gorm:"type:uuid;not null" json:"typeId"`
	Quantity int    `gorm:"not null;default:1" json:"quantity"`
}
