package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// CallRepository persists call records. Status changes are conditional on the
// current status so concurrent transitions cannot move a call backwards.
type CallRepository struct {
	db *gorm.DB
}

// NewCallRepository creates a CallRepository.
func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts a new call record.
func (r *CallRepository) Create(ctx context.Context, call *model.Call) error {
	return translate("create call", r.db.WithContext(ctx).Create(call).Error)
}

// Get loads a call by id.
func (r *CallRepository) Get(ctx context.Context, id string) (*model.Call, error) {
	var call model.Call
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "call not found")
		}
		return nil, translate("get call", err)
	}
	return &call, nil
}

// Transition moves the call to status "to" if it is currently in one of from.
// ok is false when another writer got there first.
func (r *CallRepository) Transition(ctx context.Context, id string, from []model.CallStatus, to model.CallStatus, fields map[string]any) (ok bool, err error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&model.Call{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, translate("transition call", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Delete removes a call that was never delivered to its callee.
func (r *CallRepository) Delete(ctx context.Context, id string) error {
	return translate("delete call", r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Call{}).Error)
}

// SetOffer stores the caller's offer once.
func (r *CallRepository) SetOffer(ctx context.Context, id, offer string) (bool, error) {
	return r.setOnce(ctx, id, "offer", offer)
}

// SetAnswer stores the callee's answer once.
func (r *CallRepository) SetAnswer(ctx context.Context, id, answer string) (bool, error) {
	return r.setOnce(ctx, id, "answer", answer)
}

func (r *CallRepository) setOnce(ctx context.Context, id, column, value string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Call{}).
		Where("id = ? AND ("+column+" IS NULL OR "+column+" = '')", id).
		Update(column, value)
	if res.Error != nil {
		return false, translate("set "+column, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListRingingBefore returns calls still ringing that were created before cutoff.
func (r *CallRepository) ListRingingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Call, error) {
	var calls []model.Call
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.CallStatusRinging, cutoff.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&calls).Error
	if err != nil {
		return nil, translate("list ringing calls", err)
	}
	return calls, nil
}
