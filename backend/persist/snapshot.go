// Package persist 将内存键值存储以 JSON 快照形式落盘。
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shunt/backend/repository"
	"shunt/backend/repository/events"
	"shunt/backend/service/applog"
)

// SchemaVersion 当前快照格式版本
const SchemaVersion = "1.0.0"

// ErrSchemaMismatch 快照版本与当前程序不兼容
var ErrSchemaMismatch = errors.New("snapshot schema version mismatch")

// State 快照文件内容
type State struct {
	SchemaVersion string            `json:"schemaVersion"`
	Entries       map[string]string `json:"entries"`
	GeneratedAt   time.Time         `json:"generatedAt"`
}

// Snapshotter 快照管理器：订阅存储变更事件，防抖后原子写入
type Snapshotter struct {
	path  string
	store repository.Snapshottable
	log   zerolog.Logger

	mu       sync.Mutex
	pending  bool
	dirty    bool
	debounce time.Duration

	saveMu sync.Mutex
}

// NewSnapshotter 创建快照管理器
func NewSnapshotter(path string, store repository.Snapshottable) *Snapshotter {
	return &Snapshotter{
		path:     path,
		store:    store,
		log:      applog.For("Snapshot"),
		debounce: 200 * time.Millisecond,
	}
}

// SetDebounce 设置防抖延迟
func (s *Snapshotter) SetDebounce(d time.Duration) {
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// SubscribeEvents 订阅事件总线（所有写操作触发持久化）
func (s *Snapshotter) SubscribeEvents(bus *events.Bus) (cancel func()) {
	return bus.Subscribe(events.EventStoreChanged, func(events.Event) {
		s.Schedule()
	})
}

// Schedule 调度快照（防抖）
func (s *Snapshotter) Schedule() {
	s.mu.Lock()
	if s.pending {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.pending = true
	s.dirty = false
	s.mu.Unlock()

	go func() {
		for {
			s.mu.Lock()
			debounce := s.debounce
			s.mu.Unlock()

			time.Sleep(debounce)
			_ = s.SaveNow()

			s.mu.Lock()
			if s.dirty {
				s.dirty = false
				s.mu.Unlock()
				continue
			}
			s.pending = false
			s.mu.Unlock()
			return
		}
	}()
}

// SaveNow 立即保存（同步）
func (s *Snapshotter) SaveNow() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := Save(s.path, s.store.Snapshot()); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("save snapshot failed")
		return err
	}
	return nil
}

// Load 读取快照。文件不存在或为空时返回空状态。
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]string{}, nil
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if state.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrSchemaMismatch, state.SchemaVersion, SchemaVersion)
	}
	if state.Entries == nil {
		state.Entries = map[string]string{}
	}
	return state.Entries, nil
}

// Save 原子写入快照
func Save(path string, entries map[string]string) error {
	data, err := json.MarshalIndent(State{
		SchemaVersion: SchemaVersion,
		Entries:       entries,
		GeneratedAt:   time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
