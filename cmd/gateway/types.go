package main

import (
	"errors"
	"fmt"
	"time"
)

// Response types of the lending and grading services as the gateway reads
// them.

type unitView struct {
	ID              string `json:"id"`
	TypeID          string `json:"typeId"`
	Kind            string `json:"kind"`
	Name            string `json:"name"`
	Code            string `json:"code"`
	Status          string `json:"status"`
	Location        string `json:"location,omitempty"`
	ConditionReason string `json:"conditionReason,omitempty"`
}

func (u unitView) validate() error {
	if u.ID == "" || u.Name == "" {
		return errors.New("unit without id or name")
	}
	switch u.Status {
	case "Available", "InUse", "Maintenance", "Damaged":
		return nil
	}
	return fmt.Errorf("unit %s has unknown status %q", u.ID, u.Status)
}

type unitPage struct {
	Items []unitView `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int64      `json:"total"`
}

func (p *unitPage) validate() error {
	if p.Items == nil {
		return errors.New("unit page without items")
	}
	for _, u := range p.Items {
		if err := u.validate(); err != nil {
			return err
		}
	}
	return nil
}

type loanView struct {
	ID                 string     `json:"id"`
	UnitID             string     `json:"unitId"`
	ResourceName       string     `json:"resourceName"`
	ResourceCode       string     `json:"resourceCode"`
	BorrowerKind       string     `json:"borrowerKind"`
	BorrowerID         string     `json:"borrowerId"`
	BorrowerName       string     `json:"borrowerName"`
	BorrowDate         time.Time  `json:"borrowDate"`
	ExpectedReturnDate *time.Time `json:"expectedReturnDate,omitempty"`
	ReturnDate         *time.Time `json:"returnDate,omitempty"`
	Status             string     `json:"status"`
	Note               string     `json:"note,omitempty"`
	Overdue            bool       `json:"overdue"`
}

func (l *loanView) validate() error {
	if l.ID == "" || l.UnitID == "" {
		return errors.New("loan without id or unit")
	}
	if l.Status != "Borrowing" && l.Status != "Returned" {
		return fmt.Errorf("loan %s has unknown status %q", l.ID, l.Status)
	}
	return nil
}

type loanPage struct {
	Items []loanView `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int64      `json:"total"`
}

func (p *loanPage) validate() error {
	if p.Items == nil {
		return errors.New("loan page without items")
	}
	for i := range p.Items {
		if err := p.Items[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

type displayedGrade struct {
	Value   *float64 `json:"value"`
	Source  string   `json:"source"`
	Comment string   `json:"comment,omitempty"`
	Status  string   `json:"status"`
}

func (d *displayedGrade) validate() error {
	switch d.Source {
	case "individual", "team":
		if d.Value == nil {
			return fmt.Errorf("%s grade without a value", d.Source)
		}
	case "none":
		if d.Value != nil {
			return errors.New("ungraded result carries a value")
		}
	default:
		return fmt.Errorf("unknown grade source %q", d.Source)
	}
	return nil
}

type studentGrade struct {
	LabID   string `json:"labId"`
	LabName string `json:"labName"`
	ClassID string `json:"classId"`
	displayedGrade
}

type studentGrades []studentGrade

func (g *studentGrades) validate() error {
	if *g == nil {
		return errors.New("grades list is null")
	}
	for i := range *g {
		row := &(*g)[i]
		if row.LabID == "" {
			return errors.New("grade row without lab")
		}
		if err := row.displayedGrade.validate(); err != nil {
			return err
		}
	}
	return nil
}
