package ledger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"electrolab/pkg/apperr"
	"electrolab/pkg/catalog"
	"electrolab/pkg/keylock"
	"electrolab/pkg/models"
)

// SetMaintenance takes an idle unit out of circulation for servicing.
func (s *Service) SetMaintenance(ctx context.Context, unitID, reason, actor string) (catalog.UnitView, error) {
	return s.setCondition(ctx, unitID, models.StatusMaintenance, reason, actor)
}

// MarkDamaged flags an idle unit as broken.
func (s *Service) MarkDamaged(ctx context.Context, unitID, reason, actor string) (catalog.UnitView, error) {
	return s.setCondition(ctx, unitID, models.StatusDamaged, reason, actor)
}

// Maintenance and Damaged are both entered only from Available. Moving a
// damaged unit into maintenance requires clearing it first.
func (s *Service) setCondition(ctx context.Context, unitID string, to models.ResourceStatus, reason, actor string) (catalog.UnitView, error) {
	err := s.transition(ctx, unitID, func(tx *gorm.DB, unit models.ResourceUnit, onLoan bool) error {
		if onLoan {
			return apperr.New(apperr.KindResourceBusy, "%s is on loan and must be returned first", unit.Name)
		}
		if unit.Condition != "" {
			return apperr.New(apperr.KindInvalidTransition, "%s is already in %s", unit.Name, unit.Condition)
		}
		if err := tx.Model(&unit).Updates(map[string]interface{}{
			"condition":        to,
			"condition_reason": strings.TrimSpace(reason),
		}).Error; err != nil {
			return err
		}
		return tx.Create(&models.ConditionEvent{
			UnitID:     unit.ID,
			FromStatus: models.StatusAvailable,
			ToStatus:   to,
			Reason:     strings.TrimSpace(reason),
			Actor:      actor,
		}).Error
	})
	if err != nil {
		return catalog.UnitView{}, err
	}

	s.log.Info("unit condition set",
		zap.String("unit_id", unitID),
		zap.String("condition", string(to)),
		zap.String("actor", actor),
	)
	return s.catalog.GetUnit(ctx, unitID)
}

// ClearMaintenance returns a Maintenance or Damaged unit to Available.
func (s *Service) ClearMaintenance(ctx context.Context, unitID, actor string) (catalog.UnitView, error) {
	err := s.transition(ctx, unitID, func(tx *gorm.DB, unit models.ResourceUnit, onLoan bool) error {
		if onLoan {
			return apperr.New(apperr.KindResourceBusy, "%s is on loan", unit.Name)
		}
		if unit.Condition == "" {
			return apperr.New(apperr.KindInvalidTransition, "%s is not under maintenance", unit.Name)
		}
		from := unit.Condition
		if err := tx.Model(&unit).Updates(map[string]interface{}{
			"condition":        "",
			"condition_reason": "",
		}).Error; err != nil {
			return err
		}
		return tx.Create(&models.ConditionEvent{
			UnitID:     unit.ID,
			FromStatus: from,
			ToStatus:   models.StatusAvailable,
			Actor:      actor,
		}).Error
	})
	if err != nil {
		return catalog.UnitView{}, err
	}

	s.log.Info("unit condition cleared", zap.String("unit_id", unitID), zap.String("actor", actor))
	return s.catalog.GetUnit(ctx, unitID)
}

func (s *Service) transition(ctx context.Context, unitID string,
	apply func(tx *gorm.DB, unit models.ResourceUnit, onLoan bool) error) error {
	unlock, err := s.locks.Lock(ctx, keylock.UnitKey(unitID))
	if err != nil {
		return apperr.Internal(err, "lock unit %s", unitID)
	}
	defer unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unit, err := lockUnit(tx, unitID)
		if err != nil {
			return err
		}
		onLoan, err := hasOpenLoan(tx, unitID)
		if err != nil {
			return err
		}
		return apply(tx, unit, onLoan)
	})
	return apperr.Wrap(err, "change condition of unit %s", unitID)
}

// ConditionHistory lists the maintenance and damage transitions of a unit,
// newest first.
func (s *Service) ConditionHistory(ctx context.Context, unitID string) ([]models.ConditionEvent, error) {
	if err := s.checkUnitExists(ctx, unitID); err != nil {
		return nil, err
	}
	var events []models.ConditionEvent
	err := s.db.WithContext(ctx).
		Where("unit_id = ?", unitID).
		Order("id DESC").
		Find(&events).Error
	if err != nil {
		return nil, apperr.Internal(err, "list condition events of unit %s", unitID)
	}
	return events, nil
}
