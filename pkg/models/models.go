package models

import (
	"time"

	"gorm.io/gorm"
)

type ResourceKind string

const (
	KindEquipment ResourceKind = "equipment"
	KindKit       ResourceKind = "kit"
)

func (k ResourceKind) Valid() bool {
	return k == KindEquipment || k == KindKit
}

// ResourceStatus is the status vocabulary shown to the UI. It is always
// derived, never written by clients.
type ResourceStatus string

const (
	StatusAvailable   ResourceStatus = "Available"
	StatusInUse       ResourceStatus = "InUse"
	StatusMaintenance ResourceStatus = "Maintenance"
	StatusDamaged     ResourceStatus = "Damaged"
)

func (s ResourceStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusMaintenance, StatusDamaged:
		return true
	}
	return false
}

type LoanState string

const (
	LoanBorrowing LoanState = "Borrowing"
	LoanReturned  LoanState = "Returned"
)

type BorrowerKind string

const (
	BorrowerTeam    BorrowerKind = "team"
	BorrowerStudent BorrowerKind = "student"
)

// BorrowerRef points at either a team or a single student.
type BorrowerRef struct {
	Kind BorrowerKind `json:"kind"`
	ID   string       `json:"id"`
}

func (b BorrowerRef) Valid() bool {
	return (b.Kind == BorrowerTeam || b.Kind == BorrowerStudent) && b.ID != ""
}

func (b BorrowerRef) String() string { return string(b.Kind) + ":" + b.ID }

// ResourceType is an EquipmentType (Kind=equipment) or a KitTemplate (Kind=kit).
type ResourceType struct {
	ID          string         `gorm:"type:uuid;primaryKey" json:"id"`
	Kind        ResourceKind   `gorm:"size:20;not null;index" json:"kind"`
	Name        string         `gorm:"size:120;not null" json:"name"`
	Code        string         `gorm:"size:60;not null;uniqueIndex" json:"code"`
	Description string         `json:"description"`
	ImageRef    string         `gorm:"size:255" json:"imageRef"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// ResourceUnit is one physical kit instance or equipment unit. Condition only
// carries the administrative Maintenance/Damaged flag; lending state lives in
// LoanRecord.
type ResourceUnit struct {
	ID              string         `gorm:"type:uuid;primaryKey" json:"id"`
	TypeID          string         `gorm:"type:uuid;not null;index" json:"typeId"`
	Seq             int            `gorm:"not null" json:"seq"`
	Name            string         `gorm:"size:160;not null;uniqueIndex" json:"name"`
	Code            string         `gorm:"size:80;not null;uniqueIndex" json:"code"`
	Location        string         `gorm:"size:120" json:"location,omitempty"`
	Condition       ResourceStatus `gorm:"size:20;not null;default:''" json:"condition,omitempty"`
	ConditionReason string         `gorm:"size:255" json:"conditionReason,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

// DeriveStatus computes the only status a unit ever reports.
func DeriveStatus(condition ResourceStatus, hasOpenLoan bool) ResourceStatus {
	if condition == StatusMaintenance || condition == StatusDamaged {
		return condition
	}
	if hasOpenLoan {
		return StatusInUse
	}
	return StatusAvailable
}

const LoanTable = "loan_records"

type LoanRecord struct {
	ID                 string       `gorm:"type:uuid;primaryKey" json:"id"`
	UnitID             string       `gorm:"type:uuid;not null;index" json:"unitId"`
	BorrowerKind       BorrowerKind `gorm:"size:20;not null;index:idx_loan_borrower" json:"borrowerKind"`
	BorrowerID         string       `gorm:"size:64;not null;index:idx_loan_borrower" json:"borrowerId"`
	BorrowDate         time.Time    `gorm:"not null;index" json:"borrowDate"`
	ExpectedReturnDate *time.Time   `json:"expectedReturnDate,omitempty"`
	ActualReturnDate   *time.Time   `json:"actualReturnDate,omitempty"`
	State              LoanState    `gorm:"size:20;not null;index" json:"state"`
	Note               string       `gorm:"type:text" json:"note,omitempty"`
	BorrowedBy         string       `gorm:"size:80" json:"borrowedBy,omitempty"`
	ReturnedBy         *string      `gorm:"size:80" json:"returnedBy,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

func (LoanRecord) TableName() string { return LoanTable }

func (l LoanRecord) Borrower() BorrowerRef {
	return BorrowerRef{Kind: l.BorrowerKind, ID: l.BorrowerID}
}

// ConditionEvent records every Maintenance/Damaged transition of a unit.
type ConditionEvent struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UnitID     string         `gorm:"type:uuid;not null;index" json:"unitId"`
	FromStatus ResourceStatus `gorm:"size:20" json:"from"`
	ToStatus   ResourceStatus `gorm:"size:20" json:"to"`
	Reason     string         `gorm:"size:255" json:"reason,omitempty"`
	Actor      string         `gorm:"size:80" json:"actor,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
