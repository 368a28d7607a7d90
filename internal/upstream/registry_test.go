package upstream

import (
	"context"
	"testing"

	"mailbroker/internal/model"
	"mailbroker/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupRegistry(t *testing.T) (*Registry, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.UpstreamSource{}))
	return NewRegistry(repository.NewUpstreamRepository(db)), db
}

func seedSource(t *testing.T, db *gorm.DB, source *model.UpstreamSource) *model.UpstreamSource {
	t.Helper()
	require.NoError(t, db.Create(source).Error)
	return source
}

func TestRegistryRefreshAndGetAdapter(t *testing.T) {
	registry, db := setupRegistry(t)
	ctx := context.Background()

	low := seedSource(t, db, &model.UpstreamSource{
		Name: "备用池", Type: "gongxi", BaseURL: "http://low.example.com",
		Status: model.UpstreamStatusActive, Priority: 10,
	})
	high := seedSource(t, db, &model.UpstreamSource{
		Name: "主力池", Type: "gongxi", BaseURL: "http://high.example.com",
		Status: model.UpstreamStatusActive, Priority: 20,
	})
	seedSource(t, db, &model.UpstreamSource{
		Name: "停用池", Type: "gongxi", BaseURL: "http://off.example.com",
		Status: model.UpstreamStatusDisabled, Priority: 99,
	})

	require.NoError(t, registry.Refresh(ctx))

	// upstreamID 为 0 时取优先级最高的生效源
	id, adapter, err := registry.GetAdapter(0)
	require.NoError(t, err)
	assert.Equal(t, high.ID, id)
	assert.NotNil(t, adapter)

	// 指定 ID 精确命中
	id, _, err = registry.GetAdapter(low.ID)
	require.NoError(t, err)
	assert.Equal(t, low.ID, id)

	// 未知 ID 回退到优先级最高的源
	id, _, err = registry.GetAdapter(99999)
	require.NoError(t, err)
	assert.Equal(t, high.ID, id)
}

func TestRegistrySkipsUnknownType(t *testing.T) {
	registry, db := setupRegistry(t)
	ctx := context.Background()

	unknown := seedSource(t, db, &model.UpstreamSource{
		Name: "未接入的源", Type: "tempmail-pro", BaseURL: "http://x.example.com",
		Status: model.UpstreamStatusActive, Priority: 50,
	})
	known := seedSource(t, db, &model.UpstreamSource{
		Name: "主力池", Type: "gongxi", BaseURL: "http://high.example.com",
		Status: model.UpstreamStatusActive, Priority: 10,
	})

	require.NoError(t, registry.Refresh(ctx))

	id, _, err := registry.GetAdapter(unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, known.ID, id)
}

func TestRegistryEmpty(t *testing.T) {
	registry, _ := setupRegistry(t)

	// 未刷新或没有生效源时直接报上游不可用
	_, _, err := registry.GetAdapter(0)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	require.NoError(t, registry.Refresh(context.Background()))
	_, _, err = registry.GetAdapter(0)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
