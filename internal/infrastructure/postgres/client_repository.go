package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "github.com/openstall/marketplace-payments/internal/domain/client"
)

type clientModel struct {
	ID                     string `gorm:"primaryKey;size:64"`
	GatewayCustomerID      string `gorm:"size:128"`
	DefaultPaymentMethodID string `gorm:"size:128"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (clientModel) TableName() string { return "clients" }

type ClientRepository struct {
	db *gorm.DB
}

func NewClientRepository(db *gorm.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

func (r *ClientRepository) FindByID(ctx context.Context, id string) (*domain.Client, error) {
	var m clientModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: find client: %w", err)
	}
	return &domain.Client{
		ID:                     m.ID,
		GatewayCustomerID:      m.GatewayCustomerID,
		DefaultPaymentMethodID: m.DefaultPaymentMethodID,
	}, nil
}
