package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shunt/backend/domain"
	"shunt/backend/repository"
	"shunt/backend/repository/events"
)

const selectedServerKey = "selected_server"

// SelectionRepo 主节点与类别选择。类别选择存于 strategy_<tag>。
type SelectionRepo struct {
	store repository.KeyValueStore
	bus   *events.Bus
}

func NewSelectionRepo(store repository.KeyValueStore, bus *events.Bus) *SelectionRepo {
	return &SelectionRepo{store: store, bus: bus}
}

func (r *SelectionRepo) SelectedPrimary(ctx context.Context) (string, error) {
	guid, err := r.store.Get(ctx, selectedServerKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", repository.ErrNoSelection
		}
		return "", err
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return "", repository.ErrNoSelection
	}
	return guid, nil
}

func (r *SelectionRepo) SetSelectedPrimary(ctx context.Context, guid string) error {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		if err := r.store.Delete(ctx, selectedServerKey); err != nil {
			return err
		}
	} else if err := r.store.Set(ctx, selectedServerKey, guid); err != nil {
		return err
	}
	r.publish(events.SelectionEvent{EventType: events.EventPrimaryChanged, GUID: guid})
	return nil
}

func (r *SelectionRepo) CategorySelection(ctx context.Context, tag domain.CategoryTag) (string, error) {
	if _, ok := domain.LookupCategory(tag); !ok {
		return "", fmt.Errorf("%w: %s", repository.ErrUnknownCategory, tag)
	}
	guid, err := r.store.Get(ctx, domain.SelectionKey(tag))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(guid), nil
}

// SetCategorySelection "default" 从不落库：它表示跟随主节点
func (r *SelectionRepo) SetCategorySelection(ctx context.Context, tag domain.CategoryTag, guid string) error {
	if _, ok := domain.LookupCategory(tag); !ok {
		return fmt.Errorf("%w: %s", repository.ErrUnknownCategory, tag)
	}
	guid = strings.TrimSpace(guid)
	key := domain.SelectionKey(tag)
	if guid == "" || guid == domain.SelectionDefault {
		guid = ""
		if err := r.store.Delete(ctx, key); err != nil {
			return err
		}
	} else if err := r.store.Set(ctx, key, guid); err != nil {
		return err
	}
	r.publish(events.SelectionEvent{EventType: events.EventCategoryChanged, Category: tag, GUID: guid})
	return nil
}

func (r *SelectionRepo) CategorySelections(ctx context.Context) (map[domain.CategoryTag]string, error) {
	out := make(map[domain.CategoryTag]string)
	for _, c := range domain.Categories() {
		guid, err := r.CategorySelection(ctx, c.Tag)
		if err != nil {
			return nil, err
		}
		if guid != "" {
			out[c.Tag] = guid
		}
	}
	return out, nil
}

func (r *SelectionRepo) publish(event events.Event) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

var _ repository.SelectionRepository = (*SelectionRepo)(nil)
