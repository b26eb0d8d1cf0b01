// Package catalog holds resource type definitions and the concrete units
// provisioned from them. Unit status is always derived from the condition
// flag and the loan table, never stored.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"electrolab/pkg/apperr"
	"electrolab/pkg/keylock"
	"electrolab/pkg/models"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// OpenLoanExists is a correlated SQL predicate that is true while the unit
// identified by unitColumn has a loan in state Borrowing.
func OpenLoanExists(unitColumn string) string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %[1]s WHERE %[1]s.unit_id = %[2]s AND %[1]s.state = '%[3]s')",
		models.LoanTable, unitColumn, models.LoanBorrowing)
}

var idleCondition = "resource_units.condition = '' AND NOT " + OpenLoanExists("resource_units.id")

type Service struct {
	db    *gorm.DB
	locks keylock.Locker
	log   *zap.Logger
}

func NewService(db *gorm.DB, locks keylock.Locker, log *zap.Logger) *Service {
	return &Service{db: db, locks: locks, log: log.Named("catalog")}
}

type TypeInput struct {
	Kind        models.ResourceKind `json:"kind"`
	Name        string              `json:"name"`
	Code        string              `json:"code"`
	Description string              `json:"description"`
	ImageRef    string              `json:"imageRef"`
}

// TypePatch changes the descriptive fields of a type. The code is immutable
// because unit codes are derived from it.
type TypePatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ImageRef    *string `json:"imageRef"`
}

type TypeView struct {
	models.ResourceType
	Quantity  int64 `json:"quantity"`
	Available int64 `json:"available"`
}

type UnitView struct {
	ID              string                `json:"id"`
	TypeID          string                `json:"typeId"`
	Kind            models.ResourceKind   `json:"kind"`
	Name            string                `json:"name"`
	Code            string                `json:"code"`
	Status          models.ResourceStatus `json:"status"`
	Location        string                `json:"location,omitempty"`
	ConditionReason string                `json:"conditionReason,omitempty"`
}

type UnitFilter struct {
	TypeID string
	Kind   models.ResourceKind
	Status models.ResourceStatus
	Q      string
	Page   int
	Size   int
}

type UnitPage struct {
	Items []UnitView `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int64      `json:"total"`
}

type unitRow struct {
	ID              string
	TypeID          string
	Kind            models.ResourceKind
	Name            string
	Code            string
	Location        string
	Condition       models.ResourceStatus
	ConditionReason string
	OpenLoan        bool
}

func (r unitRow) view() UnitView {
	return UnitView{
		ID:              r.ID,
		TypeID:          r.TypeID,
		Kind:            r.Kind,
		Name:            r.Name,
		Code:            r.Code,
		Status:          models.DeriveStatus(r.Condition, r.OpenLoan),
		Location:        r.Location,
		ConditionReason: r.ConditionReason,
	}
}

var unitColumns = strings.Join([]string{
	"resource_units.id",
	"resource_units.type_id",
	"resource_types.kind",
	"resource_units.name",
	"resource_units.code",
	"resource_units.location",
	"resource_units.condition",
	"resource_units.condition_reason",
	OpenLoanExists("resource_units.id") + " AS open_loan",
}, ", ")

func UnitName(typeName string, seq int) string { return fmt.Sprintf("%s #%d", typeName, seq) }

func UnitCode(typeCode string, seq int) string { return fmt.Sprintf("%s-%03d", typeCode, seq) }

func (s *Service) CreateType(ctx context.Context, in TypeInput) (TypeView, error) {
	return s.CreateTypeWithUnits(ctx, in, 0, "")
}

// CreateTypeWithUnits creates a type and its first count units in one
// transaction. Either both exist afterwards or neither does.
func (s *Service) CreateTypeWithUnits(ctx context.Context, in TypeInput, count int, location string) (TypeView, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Code = strings.TrimSpace(in.Code)
	if !in.Kind.Valid() {
		return TypeView{}, apperr.InvalidInput("kind must be %q or %q", models.KindEquipment, models.KindKit)
	}
	if in.Name == "" || in.Code == "" {
		return TypeView{}, apperr.InvalidInput("name and code are required")
	}
	if count < 0 {
		return TypeView{}, apperr.InvalidInput("quantity must not be negative")
	}

	db := s.db.WithContext(ctx)
	if err := s.checkNameFree(db, in.Name, ""); err != nil {
		return TypeView{}, err
	}

	rt := models.ResourceType{
		ID:          uuid.New().String(),
		Kind:        in.Kind,
		Name:        in.Name,
		Code:        in.Code,
		Description: in.Description,
		ImageRef:    in.ImageRef,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rt).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		_, err := provision(tx, rt, count, location)
		return err
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return TypeView{}, apperr.InvalidInput("code %q is already used", in.Code)
		}
		return TypeView{}, apperr.Internal(err, "create type")
	}

	s.log.Info("resource type created",
		zap.String("type_id", rt.ID),
		zap.String("code", rt.Code),
		zap.Int("units", count),
	)
	if count == 0 {
		return TypeView{ResourceType: rt}, nil
	}
	return s.GetType(ctx, rt.ID)
}

// checkNameFree includes retired types: their units keep names derived from
// the type name.
func (s *Service) checkNameFree(db *gorm.DB, name, exceptID string) error {
	q := db.Unscoped().Model(&models.ResourceType{}).Where("name = ?", name)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return apperr.Internal(err, "check type name")
	}
	if n > 0 {
		return apperr.InvalidInput("name %q is already used", name)
	}
	return nil
}

func (s *Service) UpdateType(ctx context.Context, id string, patch TypePatch) (TypeView, error) {
	if err := apperr.CheckID("type", id); err != nil {
		return TypeView{}, err
	}
	unlock, err := s.locks.Lock(ctx, keylock.TypeKey(id))
	if err != nil {
		return TypeView{}, apperr.Internal(err, "lock type %s", id)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt models.ResourceType
		if err := tx.Where("id = ?", id).Take(&rt).Error; err != nil {
			return apperr.Lookup(err, "type", id)
		}

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return apperr.InvalidInput("name must not be empty")
			}
			if name != rt.Name {
				if err := s.checkNameFree(tx, name, id); err != nil {
					return err
				}
				if err := renameUnits(tx, id, name); err != nil {
					return err
				}
				rt.Name = name
			}
		}
		if patch.Description != nil {
			rt.Description = *patch.Description
		}
		if patch.ImageRef != nil {
			rt.ImageRef = *patch.ImageRef
		}
		return tx.Save(&rt).Error
	})
	if err != nil {
		return TypeView{}, apperr.Wrap(err, "update type %s", id)
	}

	s.log.Info("resource type updated", zap.String("type_id", id))
	return s.GetType(ctx, id)
}

func renameUnits(tx *gorm.DB, typeID, name string) error {
	var units []models.ResourceUnit
	if err := tx.Unscoped().Where("type_id = ?", typeID).Find(&units).Error; err != nil {
		return err
	}
	for _, u := range units {
		err := tx.Unscoped().Model(&models.ResourceUnit{}).
			Where("id = ?", u.ID).
			Update("name", UnitName(name, u.Seq)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

type typeCounts struct {
	TypeID    string
	Quantity  int64
	Available int64
}

func (s *Service) counts(ctx context.Context, typeIDs ...string) (map[string]typeCounts, error) {
	var rows []typeCounts
	q := s.db.WithContext(ctx).Model(&models.ResourceUnit{}).
		Select("resource_units.type_id, COUNT(*) AS quantity, " +
			"SUM(CASE WHEN " + idleCondition + " THEN 1 ELSE 0 END) AS available").
		Group("resource_units.type_id")
	if len(typeIDs) > 0 {
		q = q.Where("resource_units.type_id IN ?", typeIDs)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]typeCounts, len(rows))
	for _, r := range rows {
		out[r.TypeID] = r
	}
	return out, nil
}

func (s *Service) GetType(ctx context.Context, id string) (TypeView, error) {
	if err := apperr.CheckID("type", id); err != nil {
		return TypeView{}, err
	}
	var rt models.ResourceType
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rt).Error; err != nil {
		return TypeView{}, apperr.Lookup(err, "type", id)
	}
	counts, err := s.counts(ctx, id)
	if err != nil {
		return TypeView{}, apperr.Internal(err, "count units of type %s", id)
	}
	c := counts[id]
	return TypeView{ResourceType: rt, Quantity: c.Quantity, Available: c.Available}, nil
}

// ListTypes returns every type, optionally restricted to one kind.
func (s *Service) ListTypes(ctx context.Context, kind models.ResourceKind) ([]TypeView, error) {
	if kind != "" && !kind.Valid() {
		return nil, apperr.InvalidInput("unknown kind %q", kind)
	}
	q := s.db.WithContext(ctx).Order("name")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var types []models.ResourceType
	if err := q.Find(&types).Error; err != nil {
		return nil, apperr.Internal(err, "list types")
	}
	counts, err := s.counts(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "count units")
	}

	views := make([]TypeView, len(types))
	for i, rt := range types {
		c := counts[rt.ID]
		views[i] = TypeView{ResourceType: rt, Quantity: c.Quantity, Available: c.Available}
	}
	return views, nil
}

// DeleteType soft-deletes a type once all of its units have been retired.
func (s *Service) DeleteType(ctx context.Context, id string) error {
	if err := apperr.CheckID("type", id); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keylock.TypeKey(id))
	if err != nil {
		return apperr.Internal(err, "lock type %s", id)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt models.ResourceType
		if err := tx.Where("id = ?", id).Take(&rt).Error; err != nil {
			return apperr.Lookup(err, "type", id)
		}

		var onLoan int64
		err := tx.Model(&models.ResourceUnit{}).
			Where("resource_units.type_id = ? AND "+OpenLoanExists("resource_units.id"), id).
			Count(&onLoan).Error
		if err != nil {
			return err
		}
		if onLoan > 0 {
			return apperr.New(apperr.KindInUse, "%d units of %s are on loan", onLoan, rt.Name)
		}

		var provisioned int64
		if err := tx.Model(&models.ResourceUnit{}).Where("type_id = ?", id).Count(&provisioned).Error; err != nil {
			return err
		}
		if provisioned > 0 {
			return apperr.New(apperr.KindInUse, "%s still has %d units provisioned", rt.Name, provisioned)
		}
		return tx.Delete(&rt).Error
	})
	if err != nil {
		return apperr.Wrap(err, "delete type %s", id)
	}

	s.log.Info("resource type deleted", zap.String("type_id", id))
	return nil
}

func (s *Service) ProvisionUnits(ctx context.Context, typeID string, count int, location string) ([]string, error) {
	if count < 1 {
		return nil, apperr.InvalidInput("count must be at least 1")
	}
	if err := apperr.CheckID("type", typeID); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, keylock.TypeKey(typeID))
	if err != nil {
		return nil, apperr.Internal(err, "lock type %s", typeID)
	}
	defer unlock()

	var ids []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt models.ResourceType
		if err := tx.Where("id = ?", typeID).Take(&rt).Error; err != nil {
			return apperr.Lookup(err, "type", typeID)
		}
		created, err := provision(tx, rt, count, location)
		ids = created
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(err, "provision units of type %s", typeID)
	}

	s.log.Info("units provisioned", zap.String("type_id", typeID), zap.Int("count", count))
	return ids, nil
}

// provision numbers new units after the highest sequence ever used for the
// type, retired units included, so names and codes are never reused.
func provision(tx *gorm.DB, rt models.ResourceType, count int, location string) ([]string, error) {
	var maxSeq int
	err := tx.Unscoped().Model(&models.ResourceUnit{}).
		Where("type_id = ?", rt.ID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, err
	}

	units := make([]models.ResourceUnit, count)
	ids := make([]string, count)
	for i := 0; i < count; i++ {
		seq := maxSeq + i + 1
		units[i] = models.ResourceUnit{
			ID:       uuid.New().String(),
			TypeID:   rt.ID,
			Seq:      seq,
			Name:     UnitName(rt.Name, seq),
			Code:     UnitCode(rt.Code, seq),
			Location: location,
		}
		ids[i] = units[i].ID
	}
	if err := tx.Create(&units).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// RetireUnit soft-deletes a unit. Its loan history is kept.
func (s *Service) RetireUnit(ctx context.Context, unitID string) error {
	if err := apperr.CheckID("unit", unitID); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, keylock.UnitKey(unitID))
	if err != nil {
		return apperr.Internal(err, "lock unit %s", unitID)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return retire(tx, unitID)
	})
	if err != nil {
		return apperr.Wrap(err, "retire unit %s", unitID)
	}

	s.log.Info("unit retired", zap.String("unit_id", unitID))
	return nil
}

func retire(tx *gorm.DB, unitID string) error {
	var unit models.ResourceUnit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", unitID).Take(&unit).Error
	if err != nil {
		return apperr.Lookup(err, "unit", unitID)
	}
	var open int64
	err = tx.Model(&models.LoanRecord{}).
		Where("unit_id = ? AND state = ?", unitID, models.LoanBorrowing).
		Count(&open).Error
	if err != nil {
		return err
	}
	if open > 0 {
		return apperr.New(apperr.KindResourceBusy, "unit %s is on loan", unit.Name)
	}
	return tx.Delete(&unit).Error
}

// SetQuantity provisions or retires units until the type has n of them.
// Retirement picks idle units, newest first; if too few are idle nothing is
// retired.
func (s *Service) SetQuantity(ctx context.Context, typeID string, n int) (TypeView, error) {
	if n < 0 {
		return TypeView{}, apperr.InvalidInput("quantity must not be negative")
	}
	if err := apperr.CheckID("type", typeID); err != nil {
		return TypeView{}, err
	}

	unlock, err := s.locks.Lock(ctx, keylock.TypeKey(typeID))
	if err != nil {
		return TypeView{}, apperr.Internal(err, "lock type %s", typeID)
	}
	defer unlock()

	current, err := s.GetType(ctx, typeID)
	if err != nil {
		return TypeView{}, err
	}

	switch {
	case int64(n) > current.Quantity:
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := provision(tx, current.ResourceType, n-int(current.Quantity), "")
			return err
		})
	case int64(n) < current.Quantity:
		err = s.retireIdle(ctx, typeID, int(current.Quantity)-n)
	}
	if err != nil {
		return TypeView{}, apperr.Wrap(err, "set quantity of type %s", typeID)
	}

	s.log.Info("type quantity set",
		zap.String("type_id", typeID),
		zap.Int64("from", current.Quantity),
		zap.Int("to", n),
	)
	return s.GetType(ctx, typeID)
}

func (s *Service) retireIdle(ctx context.Context, typeID string, need int) error {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ResourceUnit{}).
		Where("resource_units.type_id = ? AND "+idleCondition, typeID).
		Order("resource_units.seq DESC").
		Limit(need).
		Pluck("resource_units.id", &ids).Error
	if err != nil {
		return err
	}
	if len(ids) < need {
		return apperr.New(apperr.KindResourceBusy, "only %d idle units can be retired, %d requested", len(ids), need)
	}

	sort.Strings(ids)
	for _, id := range ids {
		unlock, err := s.locks.Lock(ctx, keylock.UnitKey(id))
		if err != nil {
			return err
		}
		defer unlock()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := retire(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) units(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.ResourceUnit{}).
		Joins("JOIN resource_types ON resource_types.id = resource_units.type_id")
}

func (s *Service) GetUnit(ctx context.Context, id string) (UnitView, error) {
	if err := apperr.CheckID("unit", id); err != nil {
		return UnitView{}, err
	}
	var row unitRow
	err := s.units(ctx).Select(unitColumns).Where("resource_units.id = ?", id).Take(&row).Error
	if err != nil {
		return UnitView{}, apperr.Lookup(err, "unit", id)
	}
	return row.view(), nil
}

func (s *Service) FindUnitByName(ctx context.Context, name string) (UnitView, error) {
	var row unitRow
	err := s.units(ctx).Select(unitColumns).Where("resource_units.name = ?", name).Take(&row).Error
	if err != nil {
		return UnitView{}, apperr.Lookup(err, "unit", name)
	}
	return row.view(), nil
}

// ListUnits filters by derived status and search text in the query itself
// and pages the result.
func (s *Service) ListUnits(ctx context.Context, f UnitFilter) (UnitPage, error) {
	page, size := Paging(f.Page, f.Size)

	filter := func(q *gorm.DB) *gorm.DB {
		if f.TypeID != "" {
			q = q.Where("resource_units.type_id = ?", f.TypeID)
		}
		if f.Kind != "" {
			q = q.Where("resource_types.kind = ?", f.Kind)
		}
		switch f.Status {
		case models.StatusAvailable:
			q = q.Where(idleCondition)
		case models.StatusInUse:
			q = q.Where("resource_units.condition = '' AND " + OpenLoanExists("resource_units.id"))
		case models.StatusMaintenance, models.StatusDamaged:
			q = q.Where("resource_units.condition = ?", f.Status)
		}
		if term := strings.TrimSpace(f.Q); term != "" {
			like := "%" + strings.ToLower(term) + "%"
			q = q.Where("LOWER(resource_units.name) LIKE ? OR LOWER(resource_units.code) LIKE ?", like, like)
		}
		return q
	}

	if f.Status != "" && !f.Status.Valid() {
		return UnitPage{}, apperr.InvalidInput("unknown status %q", f.Status)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return UnitPage{}, apperr.InvalidInput("unknown kind %q", f.Kind)
	}
	if f.TypeID != "" && apperr.CheckID("type", f.TypeID) != nil {
		return UnitPage{Items: []UnitView{}, Page: page, Size: size}, nil
	}

	var total int64
	if err := filter(s.units(ctx)).Count(&total).Error; err != nil {
		return UnitPage{}, apperr.Internal(err, "count units")
	}

	var rows []unitRow
	err := filter(s.units(ctx)).
		Select(unitColumns).
		Order("resource_types.name, resource_units.seq").
		Limit(size).
		Offset((page - 1) * size).
		Find(&rows).Error
	if err != nil {
		return UnitPage{}, apperr.Internal(err, "list units")
	}

	items := make([]UnitView, len(rows))
	for i, r := range rows {
		items[i] = r.view()
	}
	return UnitPage{Items: items, Page: page, Size: size, Total: total}, nil
}

// Paging normalises 1-based page numbers and clamps the page size.
func Paging(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}
