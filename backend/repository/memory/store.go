package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"shunt/backend/repository"
	"shunt/backend/repository/events"
)

// Store 内存键值存储引擎。
// 持久化由 persist.Snapshotter 订阅 EventStoreChanged 后做防抖快照。
type Store struct {
	mu   sync.RWMutex
	data map[string]string

	// 事件总线
	eventBus *events.Bus
}

// NewStore 创建新的内存存储
func NewStore(eventBus *events.Bus) *Store {
	return &Store{
		data:     make(map[string]string),
		eventBus: eventBus,
	}
}

// Get 读取键值
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

// Set 写入键值
func (s *Store) Set(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return repository.ErrInvalidID
	}
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()

	s.publishChanged(key)
	return nil
}

// Delete 删除键
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()

	if ok {
		s.publishChanged(key)
	}
	return nil
}

// Keys 返回带前缀的键（排序）
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// ========== 快照与恢复 ==========

// Snapshot 生成状态快照
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// LoadState 加载状态（不触发持久化事件）
func (s *Store) LoadState(state map[string]string) {
	data := make(map[string]string, len(state))
	for k, v := range state {
		data[k] = v
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

// publishChanged 发布变更事件（异步，应在锁外调用）
func (s *Store) publishChanged(key string) {
	if s.eventBus != nil {
		s.eventBus.Publish(events.StoreEvent{EventType: events.EventStoreChanged, Key: key})
	}
}

// 确保实现接口
var (
	_ repository.KeyValueStore = (*Store)(nil)
	_ repository.Snapshottable = (*Store)(nil)
)
