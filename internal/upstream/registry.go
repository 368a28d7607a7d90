package upstream

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"mailbroker/internal/model"
	"mailbroker/internal/repository"
)

// Registry 上游适配器注册表
//
// 【关键点】适配器快照是不可变的：刷新时基于数据库重建一份新的映射，
// 再用 atomic.Value 整体替换。并发读方永远看到一致的快照，
// 不存在边读边改的问题
type Registry struct {
	upstreamRepo *repository.UpstreamRepository
	snapshot     atomic.Value // holds registrySnapshot
}

type registrySnapshot struct {
	adapters map[int64]Adapter
	ordered  []*model.UpstreamSource // 按优先级倒序
}

func NewRegistry(upstreamRepo *repository.UpstreamRepository) *Registry {
	r := &Registry{upstreamRepo: upstreamRepo}
	r.snapshot.Store(registrySnapshot{
		adapters: map[int64]Adapter{},
	})
	return r
}

// Refresh 从数据库重建适配器快照
// 管理后台修改上游源配置后调用
func (r *Registry) Refresh(ctx context.Context) error {
	sources, err := r.upstreamRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("加载上游源失败: %w", err)
	}

	adapters := make(map[int64]Adapter, len(sources))
	ordered := make([]*model.UpstreamSource, 0, len(sources))
	for _, source := range sources {
		adapter, err := buildAdapter(source)
		if err != nil {
			log.Printf("[Registry] 创建适配器失败: name=%s, err=%v", source.Name, err)
			continue
		}
		adapters[source.ID] = adapter
		ordered = append(ordered, source)
		log.Printf("[Registry] 已加载上游源: %s (%s)", source.Name, source.Type)
	}

	r.snapshot.Store(registrySnapshot{
		adapters: adapters,
		ordered:  ordered,
	})
	return nil
}

func buildAdapter(source *model.UpstreamSource) (Adapter, error) {
	switch source.Type {
	case "gongxi":
		return NewGongXiAdapter(source.BaseURL, source.APIKey), nil
	default:
		return nil, fmt.Errorf("未知的上游类型: %s", source.Type)
	}
}

// GetAdapter 获取指定上游源的适配器；upstreamID 为 0 时返回优先级最高的
func (r *Registry) GetAdapter(upstreamID int64) (int64, Adapter, error) {
	snap := r.snapshot.Load().(registrySnapshot)

	if upstreamID > 0 {
		if adapter, ok := snap.adapters[upstreamID]; ok {
			return upstreamID, adapter, nil
		}
	}

	for _, source := range snap.ordered {
		if adapter, ok := snap.adapters[source.ID]; ok {
			return source.ID, adapter, nil
		}
	}

	return 0, nil, ErrUpstreamUnavailable
}

// HealthStatus 单个上游源的健康状态
type HealthStatus struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// HealthCheckAll 检查快照中所有上游源
func (r *Registry) HealthCheckAll(ctx context.Context) []HealthStatus {
	snap := r.snapshot.Load().(registrySnapshot)

	results := make([]HealthStatus, 0, len(snap.ordered))
	for _, source := range snap.ordered {
		healthy := false
		if adapter, ok := snap.adapters[source.ID]; ok {
			healthy = adapter.HealthCheck(ctx)
		}
		results = append(results, HealthStatus{
			ID:      source.ID,
			Name:    source.Name,
			Healthy: healthy,
		})
	}
	return results
}
