// Package ledger owns the lending lifecycle of resource units: borrow,
// return and the administrative Maintenance/Damaged flags. A unit never has
// more than one loan in state Borrowing.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"electrolab/pkg/apperr"
	"electrolab/pkg/catalog"
	"electrolab/pkg/keylock"
	"electrolab/pkg/models"
)

// BorrowerDirectory resolves team and student references to display names.
// Unknown references yield apperr.ErrNotFound.
type BorrowerDirectory interface {
	BorrowerName(ctx context.Context, ref models.BorrowerRef) (string, error)
	BorrowerNames(ctx context.Context, refs []models.BorrowerRef) (map[models.BorrowerRef]string, error)
}

// StatusAll lists open and returned loans together.
const StatusAll models.LoanState = "all"

type Service struct {
	db        *gorm.DB
	catalog   *catalog.Service
	borrowers BorrowerDirectory
	locks     keylock.Locker
	log       *zap.Logger

	defaultPeriod time.Duration
	now           func() time.Time
}

func NewService(db *gorm.DB, cat *catalog.Service, borrowers BorrowerDirectory, locks keylock.Locker,
	log *zap.Logger, defaultPeriod time.Duration) *Service {
	return &Service{
		db:            db,
		catalog:       cat,
		borrowers:     borrowers,
		locks:         locks,
		log:           log.Named("ledger"),
		defaultPeriod: defaultPeriod,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; tests use it to pin borrow dates.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type BorrowRequest struct {
	UnitID         string
	UnitName       string
	Borrower       models.BorrowerRef
	ExpectedReturn *time.Time
	Note           string
	Actor          string
}

type ReturnRequest struct {
	Note  string
	Actor string
}

type LoanView struct {
	ID                 string              `json:"id"`
	UnitID             string              `json:"unitId"`
	ResourceName       string              `json:"resourceName"`
	ResourceCode       string              `json:"resourceCode"`
	BorrowerKind       models.BorrowerKind `json:"borrowerKind"`
	BorrowerID         string              `json:"borrowerId"`
	BorrowerName       string              `json:"borrowerName"`
	BorrowDate         time.Time           `json:"borrowDate"`
	ExpectedReturnDate *time.Time          `json:"expectedReturnDate,omitempty"`
	ReturnDate         *time.Time          `json:"returnDate,omitempty"`
	Status             models.LoanState    `json:"status"`
	Note               string              `json:"note,omitempty"`
	Overdue            bool                `json:"overdue"`
}

type LoanFilter struct {
	Borrower *models.BorrowerRef
	TypeID   string
	Status   models.LoanState
	Overdue  bool
	Q        string
	Page     int
	Size     int
}

type LoanPage struct {
	Items []LoanView `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int64      `json:"total"`
}

type loanRow struct {
	models.LoanRecord
	ResourceName string
	ResourceCode string
}

const loanColumns = "loan_records.*, resource_units.name AS resource_name, resource_units.code AS resource_code"

func (s *Service) view(row loanRow, borrowerName string) LoanView {
	v := LoanView{
		ID:                 row.ID,
		UnitID:             row.UnitID,
		ResourceName:       row.ResourceName,
		ResourceCode:       row.ResourceCode,
		BorrowerKind:       row.BorrowerKind,
		BorrowerID:         row.BorrowerID,
		BorrowerName:       borrowerName,
		BorrowDate:         row.BorrowDate,
		ExpectedReturnDate: row.ExpectedReturnDate,
		ReturnDate:         row.ActualReturnDate,
		Status:             row.State,
		Note:               row.Note,
	}
	v.Overdue = row.State == models.LoanBorrowing &&
		row.ExpectedReturnDate != nil &&
		row.ExpectedReturnDate.Before(s.now())
	return v
}

// Borrow opens a loan. The unit row is locked, checked for a condition flag
// and an open loan, and the loan inserted, all in one transaction under the
// unit key.
func (s *Service) Borrow(ctx context.Context, req BorrowRequest) (LoanView, error) {
	if !req.Borrower.Valid() {
		return LoanView{}, apperr.InvalidInput("borrower must be a team or student reference")
	}
	if req.UnitID == "" && req.UnitName == "" {
		return LoanView{}, apperr.InvalidInput("unit id or unit name is required")
	}
	if req.UnitID != "" {
		if err := apperr.CheckID("unit", req.UnitID); err != nil {
			return LoanView{}, err
		}
	}

	unitID := req.UnitID
	if unitID == "" {
		unit, err := s.catalog.FindUnitByName(ctx, req.UnitName)
		if err != nil {
			return LoanView{}, err
		}
		unitID = unit.ID
	}

	borrowerName, err := s.borrowers.BorrowerName(ctx, req.Borrower)
	if err != nil {
		return LoanView{}, err
	}

	now := s.now()
	expected := req.ExpectedReturn
	if expected != nil {
		t := expected.UTC()
		if !t.After(now) {
			return LoanView{}, apperr.InvalidInput("expected return date must be in the future")
		}
		expected = &t
	} else if s.defaultPeriod > 0 {
		t := now.Add(s.defaultPeriod)
		expected = &t
	}

	unlock, err := s.locks.Lock(ctx, keylock.UnitKey(unitID))
	if err != nil {
		return LoanView{}, apperr.Internal(err, "lock unit %s", unitID)
	}
	defer unlock()

	var row loanRow
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit, err := lockUnit(tx, unitID)
		if err != nil {
			return err
		}
		if unit.Condition != "" {
			return apperr.New(apperr.KindResourceUnavailable, "%s is under %s", unit.Name, strings.ToLower(string(unit.Condition)))
		}
		open, err := hasOpenLoan(tx, unitID)
		if err != nil {
			return err
		}
		if open {
			return apperr.New(apperr.KindResourceUnavailable, "%s is already checked out", unit.Name)
		}

		loan := models.LoanRecord{
			ID:                 uuid.New().String(),
			UnitID:             unitID,
			BorrowerKind:       req.Borrower.Kind,
			BorrowerID:         req.Borrower.ID,
			BorrowDate:         now,
			ExpectedReturnDate: expected,
			State:              models.LoanBorrowing,
			Note:               strings.TrimSpace(req.Note),
			BorrowedBy:         req.Actor,
		}
		if err := tx.Create(&loan).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.New(apperr.KindResourceUnavailable, "%s is already checked out", unit.Name)
			}
			return err
		}
		row = loanRow{LoanRecord: loan, ResourceName: unit.Name, ResourceCode: unit.Code}
		return nil
	})
	if err != nil {
		return LoanView{}, apperr.Wrap(err, "borrow unit %s", unitID)
	}

	s.log.Info("loan opened",
		zap.String("loan_id", row.ID),
		zap.String("unit_id", unitID),
		zap.Stringer("borrower", req.Borrower),
		zap.String("actor", req.Actor),
	)
	return s.view(row, borrowerName), nil
}

func lockUnit(tx *gorm.DB, unitID string) (models.ResourceUnit, error) {
	var unit models.ResourceUnit
	if err := apperr.CheckID("unit", unitID); err != nil {
		return unit, err
	}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", unitID).Take(&unit).Error
	if err != nil {
		return unit, apperr.Lookup(err, "unit", unitID)
	}
	return unit, nil
}

func hasOpenLoan(tx *gorm.DB, unitID string) (bool, error) {
	var n int64
	err := tx.Model(&models.LoanRecord{}).
		Where("unit_id = ? AND state = ?", unitID, models.LoanBorrowing).
		Count(&n).Error
	return n > 0, err
}

// Return closes a loan. A second call reports ALREADY_RETURNED and changes
// nothing.
func (s *Service) Return(ctx context.Context, loanID string, req ReturnRequest) (LoanView, error) {
	if err := apperr.CheckID("loan", loanID); err != nil {
		return LoanView{}, err
	}
	var loan models.LoanRecord
	if err := s.db.WithContext(ctx).Where("id = ?", loanID).Take(&loan).Error; err != nil {
		return LoanView{}, apperr.Lookup(err, "loan", loanID)
	}

	unlock, err := s.locks.Lock(ctx, keylock.UnitKey(loan.UnitID))
	if err != nil {
		return LoanView{}, apperr.Internal(err, "lock unit %s", loan.UnitID)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", loanID).Take(&loan).Error; err != nil {
			return apperr.Lookup(err, "loan", loanID)
		}
		if loan.State == models.LoanReturned {
			return apperr.New(apperr.KindAlreadyReturned, "loan %s was already returned", loanID)
		}

		now := s.now()
		actor := req.Actor
		loan.State = models.LoanReturned
		loan.ActualReturnDate = &now
		loan.ReturnedBy = &actor
		loan.Note = mergeNote(loan.Note, req.Note)
		return tx.Model(&loan).Updates(map[string]interface{}{
			"state":              loan.State,
			"actual_return_date": loan.ActualReturnDate,
			"returned_by":        loan.ReturnedBy,
			"note":               loan.Note,
		}).Error
	})
	if err != nil {
		return LoanView{}, apperr.Wrap(err, "return loan %s", loanID)
	}

	s.log.Info("loan returned",
		zap.String("loan_id", loanID),
		zap.String("unit_id", loan.UnitID),
		zap.String("actor", req.Actor),
	)
	return s.GetLoan(ctx, loanID)
}

// mergeNote keeps the borrow note and appends what was said at return.
func mergeNote(borrowNote, returnNote string) string {
	returnNote = strings.TrimSpace(returnNote)
	switch {
	case returnNote == "":
		return borrowNote
	case borrowNote == "":
		return "Returned: " + returnNote
	}
	return borrowNote + "\nReturned: " + returnNote
}

// ReturnByUnit closes whatever loan is open on the unit.
func (s *Service) ReturnByUnit(ctx context.Context, unitID string, req ReturnRequest) (LoanView, error) {
	if err := apperr.CheckID("unit", unitID); err != nil {
		return LoanView{}, err
	}
	var loan models.LoanRecord
	err := s.db.WithContext(ctx).
		Where("unit_id = ? AND state = ?", unitID, models.LoanBorrowing).
		Take(&loan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LoanView{}, apperr.NotFound("unit %s has no open loan", unitID)
	}
	if err != nil {
		return LoanView{}, apperr.Internal(err, "find open loan of unit %s", unitID)
	}
	return s.Return(ctx, loan.ID, req)
}

func (s *Service) loans(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table(models.LoanTable).
		Joins("JOIN resource_units ON resource_units.id = loan_records.unit_id")
}

func (s *Service) GetLoan(ctx context.Context, loanID string) (LoanView, error) {
	if err := apperr.CheckID("loan", loanID); err != nil {
		return LoanView{}, err
	}
	var row loanRow
	err := s.loans(ctx).Select(loanColumns).Where("loan_records.id = ?", loanID).Take(&row).Error
	if err != nil {
		return LoanView{}, apperr.Lookup(err, "loan", loanID)
	}
	views, err := s.views(ctx, []loanRow{row})
	if err != nil {
		return LoanView{}, err
	}
	return views[0], nil
}

func (s *Service) views(ctx context.Context, rows []loanRow) ([]LoanView, error) {
	refs := make([]models.BorrowerRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, r.Borrower())
	}
	names, err := s.borrowers.BorrowerNames(ctx, refs)
	if err != nil {
		return nil, apperr.Wrap(err, "resolve borrower names")
	}
	out := make([]LoanView, len(rows))
	for i, r := range rows {
		out[i] = s.view(r, names[r.Borrower()])
	}
	return out, nil
}

// ListActiveLoans lists loans in state Borrowing unless the filter asks for
// returned or all loans. Filtering, search and paging happen in SQL.
func (s *Service) ListActiveLoans(ctx context.Context, f LoanFilter) (LoanPage, error) {
	status := f.Status
	if status == "" {
		status = models.LoanBorrowing
	}
	switch status {
	case models.LoanBorrowing, models.LoanReturned, StatusAll:
	default:
		return LoanPage{}, apperr.InvalidInput("unknown loan status %q", f.Status)
	}
	if f.Borrower != nil && !f.Borrower.Valid() {
		return LoanPage{}, apperr.InvalidInput("invalid borrower reference")
	}
	page, size := catalog.Paging(f.Page, f.Size)
	if f.TypeID != "" && apperr.CheckID("type", f.TypeID) != nil {
		return LoanPage{Items: []LoanView{}, Page: page, Size: size}, nil
	}
	now := s.now()

	filter := func(q *gorm.DB) *gorm.DB {
		if status != StatusAll {
			q = q.Where("loan_records.state = ?", status)
		}
		if f.Borrower != nil {
			q = q.Where("loan_records.borrower_kind = ? AND loan_records.borrower_id = ?", f.Borrower.Kind, f.Borrower.ID)
		}
		if f.TypeID != "" {
			q = q.Where("resource_units.type_id = ?", f.TypeID)
		}
		if f.Overdue {
			q = q.Where("loan_records.state = ? AND loan_records.expected_return_date IS NOT NULL AND loan_records.expected_return_date < ?",
				models.LoanBorrowing, now)
		}
		if term := strings.TrimSpace(f.Q); term != "" {
			like := "%" + strings.ToLower(term) + "%"
			q = q.Where("LOWER(resource_units.name) LIKE ? OR LOWER(resource_units.code) LIKE ? OR LOWER(loan_records.note) LIKE ?",
				like, like, like)
		}
		return q
	}

	var total int64
	if err := filter(s.loans(ctx)).Count(&total).Error; err != nil {
		return LoanPage{}, apperr.Internal(err, "count loans")
	}

	var rows []loanRow
	err := filter(s.loans(ctx)).
		Select(loanColumns).
		Order("loan_records.borrow_date DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&rows).Error
	if err != nil {
		return LoanPage{}, apperr.Internal(err, "list loans")
	}

	items, err := s.views(ctx, rows)
	if err != nil {
		return LoanPage{}, err
	}
	return LoanPage{Items: items, Page: page, Size: size, Total: total}, nil
}

// UnitHistory returns every loan of a unit, newest first. Retired units keep
// their history.
func (s *Service) UnitHistory(ctx context.Context, unitID string) ([]LoanView, error) {
	if err := s.checkUnitExists(ctx, unitID); err != nil {
		return nil, err
	}

	var rows []loanRow
	err := s.loans(ctx).
		Select(loanColumns).
		Where("loan_records.unit_id = ?", unitID).
		Order("loan_records.borrow_date DESC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Internal(err, "list loans of unit %s", unitID)
	}
	return s.views(ctx, rows)
}

// checkUnitExists accepts retired units.
func (s *Service) checkUnitExists(ctx context.Context, unitID string) error {
	if err := apperr.CheckID("unit", unitID); err != nil {
		return err
	}
	var unit models.ResourceUnit
	err := s.db.WithContext(ctx).Unscoped().Select("id").Where("id = ?", unitID).Take(&unit).Error
	return apperr.Lookup(err, "unit", unitID)
}
