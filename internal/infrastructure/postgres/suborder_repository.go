package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "github.com/openstall/marketplace-payments/internal/domain/suborder"
)

type subOrderModel struct {
	ID                      string `gorm:"primaryKey;size:64"`
	OrderID                 string `gorm:"size:64;index"`
	ClientID                string `gorm:"size:64;index"`
	VendorID                string `gorm:"size:64;index"`
	SubTotalCents           int64
	PaymentStatus           string  `gorm:"size:16;index:idx_sub_orders_retry,priority:1"`
	AuthorizationReference  *string `gorm:"size:128"`
	PaymentAttemptCount     int
	LastPaymentAttemptAt    *time.Time
	NextPaymentRetryAt      *time.Time `gorm:"index:idx_sub_orders_retry,priority:2"`
	PaymentLastErrorCode    string     `gorm:"size:64"`
	PaymentLastErrorMessage string     `gorm:"size:256"`
	AuthorizationExpiresAt  *time.Time
	RequiresClientUpdate    bool
	PaidAt                  *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (subOrderModel) TableName() string { return "sub_orders" }

func toSubOrderModel(s *domain.SubOrder) *subOrderModel {
	m := &subOrderModel{
		ID:                      s.ID,
		OrderID:                 s.OrderID,
		ClientID:                s.ClientID,
		VendorID:                s.VendorID,
		SubTotalCents:           s.SubTotalCents,
		PaymentStatus:           string(s.PaymentStatus),
		PaymentAttemptCount:     s.PaymentAttemptCount,
		LastPaymentAttemptAt:    s.LastPaymentAttemptAt,
		NextPaymentRetryAt:      s.NextPaymentRetryAt,
		PaymentLastErrorCode:    s.PaymentLastErrorCode,
		PaymentLastErrorMessage: s.PaymentLastErrorMessage,
		AuthorizationExpiresAt:  s.AuthorizationExpiresAt,
		RequiresClientUpdate:    s.RequiresClientUpdate,
		PaidAt:                  s.PaidAt,
		CreatedAt:               s.CreatedAt,
		UpdatedAt:               s.UpdatedAt,
	}
	if s.AuthorizationReference != "" {
		ref := s.AuthorizationReference
		m.AuthorizationReference = &ref
	}
	return m
}

func (m *subOrderModel) toDomain() *domain.SubOrder {
	s := &domain.SubOrder{
		ID:                      m.ID,
		OrderID:                 m.OrderID,
		ClientID:                m.ClientID,
		VendorID:                m.VendorID,
		SubTotalCents:           m.SubTotalCents,
		PaymentStatus:           domain.Status(m.PaymentStatus),
		PaymentAttemptCount:     m.PaymentAttemptCount,
		LastPaymentAttemptAt:    cloneTime(m.LastPaymentAttemptAt),
		NextPaymentRetryAt:      cloneTime(m.NextPaymentRetryAt),
		PaymentLastErrorCode:    m.PaymentLastErrorCode,
		PaymentLastErrorMessage: m.PaymentLastErrorMessage,
		AuthorizationExpiresAt:  cloneTime(m.AuthorizationExpiresAt),
		RequiresClientUpdate:    m.RequiresClientUpdate,
		PaidAt:                  cloneTime(m.PaidAt),
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
	if m.AuthorizationReference != nil {
		s.AuthorizationReference = *m.AuthorizationReference
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SubOrderRepository is the durable suborder.Repository. ClaimAuthorization
// relies on a conditional UPDATE so that of two concurrent authorizers only
// one can attach its gateway reference.
type SubOrderRepository struct {
	db *gorm.DB
}

func NewSubOrderRepository(db *gorm.DB) *SubOrderRepository {
	return &SubOrderRepository{db: db}
}

func (r *SubOrderRepository) Insert(ctx context.Context, s *domain.SubOrder) error {
	err := r.db.WithContext(ctx).Create(toSubOrderModel(s)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrConflict
		}
		return fmt.Errorf("postgres: insert sub-order: %w", err)
	}
	return nil
}

func (r *SubOrderRepository) FindByID(ctx context.Context, id string) (*domain.SubOrder, error) {
	var m subOrderModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: find sub-order: %w", err)
	}
	return m.toDomain(), nil
}

func (r *SubOrderRepository) ListByOrder(ctx context.Context, orderID string) ([]*domain.SubOrder, error) {
	var models []subOrderModel
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("postgres: list sub-orders: %w", err)
	}
	out := make([]*domain.SubOrder, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}

func (r *SubOrderRepository) Update(ctx context.Context, s *domain.SubOrder) error {
	res := r.db.WithContext(ctx).
		Model(&subOrderModel{}).
		Where("id = ?", s.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(toSubOrderModel(s))
	if res.Error != nil {
		return fmt.Errorf("postgres: update sub-order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SubOrderRepository) ClaimAuthorization(ctx context.Context, s *domain.SubOrder, previousRef string) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&subOrderModel{}).
		Where("id = ?", s.ID)
	if previousRef == "" {
		tx = tx.Where("authorization_reference IS NULL")
	} else {
		tx = tx.Where("authorization_reference = ?", previousRef)
	}

	res := tx.Select("*").Omit("id", "created_at").Updates(toSubOrderModel(s))
	if res.Error != nil {
		return false, fmt.Errorf("postgres: claim authorization: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SubOrderRepository) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.SubOrder, error) {
	var models []subOrderModel
	tx := r.db.WithContext(ctx).
		Where("payment_status = ?", string(domain.StatusFailed)).
		Where("next_payment_retry_at IS NOT NULL AND next_payment_retry_at <= ?", now).
		Order("next_payment_retry_at")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("postgres: find due for retry: %w", err)
	}
	out := make([]*domain.SubOrder, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}
