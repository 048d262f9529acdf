package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/setu-sync/internal/models"
)

// ProfileRepository reads and updates user profiles.
type ProfileRepository interface {
	Create(ctx context.Context, profile *models.Profile) error
	FindByID(ctx context.Context, id string) (models.Profile, error)
	UpdatePresence(ctx context.Context, id string, online bool, at time.Time) (models.Profile, error)
}

type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository constructs a profile repository backed by GORM.
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

func (r *profileRepository) Create(ctx context.Context, profile *models.Profile) error {
	return r.db.WithContext(ctx).Create(profile).Error
}

func (r *profileRepository) FindByID(ctx context.Context, id string) (models.Profile, error) {
	var profile models.Profile
	if err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error; err != nil {
		return models.Profile{}, err
	}
	return profile, nil
}

func (r *profileRepository) UpdatePresence(ctx context.Context, id string, online bool, at time.Time) (models.Profile, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Profile{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_online": online, "last_seen": at, "updated_at": at})
	if result.Error != nil {
		return models.Profile{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Profile{}, gorm.ErrRecordNotFound
	}
	return r.FindByID(ctx, id)
}
