package repository

import (
	"context"

	"shunt/backend/domain"
)

// KeyValueStore 持久化键值存储（配置记录与类别选择都落在这里）
type KeyValueStore interface {
	// Get 读取键值；键不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete 删除键；键不存在不是错误
	Delete(ctx context.Context, key string) error
	// Keys 返回带指定前缀的全部键（排序后）
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ProfileRepository 服务器配置仓储
type ProfileRepository interface {
	Get(ctx context.Context, guid string) (domain.ServerProfile, error)
	List(ctx context.Context) ([]domain.ServerProfile, error)
	Create(ctx context.Context, profile domain.ServerProfile) (domain.ServerProfile, error)
	Update(ctx context.Context, guid string, profile domain.ServerProfile) (domain.ServerProfile, error)
	Delete(ctx context.Context, guid string) error
}

// SelectionRepository 主节点与类别覆盖选择
type SelectionRepository interface {
	// SelectedPrimary 未选择时返回 ErrNoSelection
	SelectedPrimary(ctx context.Context) (string, error)
	SetSelectedPrimary(ctx context.Context, guid string) error

	// CategorySelection 未设置时返回空字符串
	CategorySelection(ctx context.Context, tag domain.CategoryTag) (string, error)
	// SetCategorySelection guid 为空或 "default" 时清除覆盖
	SetCategorySelection(ctx context.Context, tag domain.CategoryTag, guid string) error
	CategorySelections(ctx context.Context) (map[domain.CategoryTag]string, error)
}

// Repositories 聚合所有仓储的容器接口
type Repositories interface {
	Profile() ProfileRepository
	Selection() SelectionRepository
}

// RepositoriesImpl 仓储容器实现
type RepositoriesImpl struct {
	ProfileRepo   ProfileRepository
	SelectionRepo SelectionRepository
}

func NewRepositories(profiles ProfileRepository, selection SelectionRepository) *RepositoriesImpl {
	return &RepositoriesImpl{ProfileRepo: profiles, SelectionRepo: selection}
}

func (r *RepositoriesImpl) Profile() ProfileRepository     { return r.ProfileRepo }
func (r *RepositoriesImpl) Selection() SelectionRepository { return r.SelectionRepo }

// Snapshottable 可快照的存储接口
type Snapshottable interface {
	// Snapshot 生成全部键值的快照
	Snapshot() map[string]string

	// LoadState 用快照替换当前内容
	LoadState(state map[string]string)
}
