package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "github.com/openstall/marketplace-payments/internal/domain/vendor"
)

type vendorModel struct {
	ID                 string `gorm:"primaryKey;size:64"`
	Name               string `gorm:"size:128"`
	ConnectedAccountID string `gorm:"size:128"`
	ChargesEnabled     bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (vendorModel) TableName() string { return "vendors" }

type VendorRepository struct {
	db *gorm.DB
}

func NewVendorRepository(db *gorm.DB) *VendorRepository {
	return &VendorRepository{db: db}
}

func (r *VendorRepository) FindByID(ctx context.Context, id string) (*domain.Vendor, error) {
	var m vendorModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: find vendor: %w", err)
	}
	return &domain.Vendor{
		ID:                 m.ID,
		Name:               m.Name,
		ConnectedAccountID: m.ConnectedAccountID,
		ChargesEnabled:     m.ChargesEnabled,
	}, nil
}
