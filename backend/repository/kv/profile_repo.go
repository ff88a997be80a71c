// Package kv 在任意 KeyValueStore 之上实现 Profile 与选择仓储。
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"shunt/backend/domain"
	"shunt/backend/repository"
	"shunt/backend/repository/events"
)

const profileKeyPrefix = "profile_"

func profileKey(guid string) string { return profileKeyPrefix + guid }

// ProfileRepo ServerProfile 仓储，记录以 JSON 存于 profile_<guid>
type ProfileRepo struct {
	store repository.KeyValueStore
	bus   *events.Bus
}

func NewProfileRepo(store repository.KeyValueStore, bus *events.Bus) *ProfileRepo {
	return &ProfileRepo{store: store, bus: bus}
}

func (r *ProfileRepo) Get(ctx context.Context, guid string) (domain.ServerProfile, error) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return domain.ServerProfile{}, repository.ErrInvalidID
	}
	raw, err := r.store.Get(ctx, profileKey(guid))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ServerProfile{}, repository.ErrProfileNotFound
		}
		return domain.ServerProfile{}, err
	}
	var profile domain.ServerProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return domain.ServerProfile{}, fmt.Errorf("%w: decode profile %s: %v", repository.ErrInvalidData, guid, err)
	}
	profile.GUID = guid
	return profile, nil
}

func (r *ProfileRepo) List(ctx context.Context) ([]domain.ServerProfile, error) {
	keys, err := r.store.Keys(ctx, profileKeyPrefix)
	if err != nil {
		return nil, err
	}
	items := make([]domain.ServerProfile, 0, len(keys))
	for _, key := range keys {
		profile, err := r.Get(ctx, strings.TrimPrefix(key, profileKeyPrefix))
		if err != nil {
			// 单条损坏的记录不影响列表
			continue
		}
		items = append(items, profile)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name() == items[j].Name() {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Name() < items[j].Name()
	})
	return items, nil
}

func (r *ProfileRepo) Create(ctx context.Context, profile domain.ServerProfile) (domain.ServerProfile, error) {
	profile.GUID = strings.TrimSpace(profile.GUID)
	if profile.GUID == "" {
		profile.GUID = uuid.NewString()
	} else if _, err := r.store.Get(ctx, profileKey(profile.GUID)); err == nil {
		return domain.ServerProfile{}, repository.ErrAlreadyExists
	}
	now := time.Now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	if err := r.put(ctx, profile); err != nil {
		return domain.ServerProfile{}, err
	}
	r.publish(events.ProfileEvent{EventType: events.EventProfileCreated, GUID: profile.GUID, Profile: profile})
	return profile, nil
}

func (r *ProfileRepo) Update(ctx context.Context, guid string, profile domain.ServerProfile) (domain.ServerProfile, error) {
	current, err := r.Get(ctx, guid)
	if err != nil {
		return domain.ServerProfile{}, err
	}
	profile.GUID = current.GUID
	profile.CreatedAt = current.CreatedAt
	profile.UpdatedAt = time.Now()

	if err := r.put(ctx, profile); err != nil {
		return domain.ServerProfile{}, err
	}
	r.publish(events.ProfileEvent{EventType: events.EventProfileUpdated, GUID: profile.GUID, Profile: profile})
	return profile, nil
}

// Delete 删除配置，并清除指向它的主节点/类别选择
func (r *ProfileRepo) Delete(ctx context.Context, guid string) error {
	current, err := r.Get(ctx, guid)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, profileKey(current.GUID)); err != nil {
		return err
	}

	var errs []error
	if primary, err := r.store.Get(ctx, selectedServerKey); err == nil && primary == current.GUID {
		errs = append(errs, r.store.Delete(ctx, selectedServerKey))
	}
	for _, c := range domain.Categories() {
		key := domain.SelectionKey(c.Tag)
		if selected, err := r.store.Get(ctx, key); err == nil && selected == current.GUID {
			errs = append(errs, r.store.Delete(ctx, key))
		}
	}

	r.publish(events.ProfileEvent{EventType: events.EventProfileDeleted, GUID: current.GUID, Profile: current})
	return errors.Join(errs...)
}

func (r *ProfileRepo) put(ctx context.Context, profile domain.ServerProfile) error {
	b, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("%w: encode profile: %v", repository.ErrInvalidData, err)
	}
	return r.store.Set(ctx, profileKey(profile.GUID), string(b))
}

func (r *ProfileRepo) publish(event events.Event) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

var _ repository.ProfileRepository = (*ProfileRepo)(nil)
