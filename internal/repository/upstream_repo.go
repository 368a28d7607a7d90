package repository

import (
	"context"
	"errors"

	"mailbroker/internal/model"

	"gorm.io/gorm"
)

var ErrUpstreamNotFound = errors.New("上游源不存在")

type UpstreamRepository struct {
	db *gorm.DB
}

func NewUpstreamRepository(db *gorm.DB) *UpstreamRepository {
	return &UpstreamRepository{db: db}
}

// ListActive 按优先级倒序返回所有启用的上游源
func (r *UpstreamRepository) ListActive(ctx context.Context) ([]*model.UpstreamSource, error) {
	var sources []*model.UpstreamSource
	err := r.db.WithContext(ctx).
		Where("status = ?", model.UpstreamStatusActive).
		Order("priority DESC").
		Find(&sources).Error
	return sources, err
}

func (r *UpstreamRepository) GetByID(ctx context.Context, id int64) (*model.UpstreamSource, error) {
	var source model.UpstreamSource
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&source).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUpstreamNotFound
		}
		return nil, err
	}
	return &source, nil
}
