package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Item is one typed settings key. Values are stored as JSON and every reader
// gets its own decoded copy.
type Item[T any] struct {
	key       string
	store     *Store
	defRaw    []byte
	normalize func(T) T
	notify    func(key string)

	// wmu serializes read-modify-write cycles on this key.
	wmu sync.Mutex

	mu     sync.RWMutex
	raw    []byte
	nextID int
	subs   map[int]func(T)
}

func newItem[T any](key string, store *Store, def T, normalize func(T) T) *Item[T] {
	raw, _ := json.Marshal(def)
	return &Item[T]{
		key:       key,
		store:     store,
		defRaw:    raw,
		normalize: normalize,
		raw:       raw,
		subs:      make(map[int]func(T)),
	}
}

// Key returns the storage key.
func (i *Item[T]) Key() string { return i.key }

// Get reads the current value from the store.
func (i *Item[T]) Get(ctx context.Context) (T, error) {
	if err := i.Refresh(ctx); err != nil {
		var zero T
		return zero, err
	}
	return i.Snapshot(), nil
}

// Snapshot returns the last value read or written without touching the store.
func (i *Item[T]) Snapshot() T {
	i.mu.RLock()
	raw := i.raw
	i.mu.RUnlock()
	return i.decode(raw)
}

// Set stores v. Subscribers are notified when the stored value changes.
func (i *Item[T]) Set(ctx context.Context, v T) error {
	i.wmu.Lock()
	defer i.wmu.Unlock()
	return i.set(ctx, v)
}

// Update applies fn to the stored value and writes the result.
func (i *Item[T]) Update(ctx context.Context, fn func(T) T) (T, error) {
	i.wmu.Lock()
	defer i.wmu.Unlock()

	current, err := i.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	next := fn(current)
	if err := i.set(ctx, next); err != nil {
		var zero T
		return zero, err
	}
	return i.Snapshot(), nil
}

// Subscribe registers fn for value changes and returns a function that
// removes it. fn runs on the goroutine that made the change.
func (i *Item[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	i.mu.Lock()
	id := i.nextID
	i.nextID++
	i.subs[id] = fn
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			delete(i.subs, id)
			i.mu.Unlock()
		})
	}
}

// Refresh re-reads the store and notifies subscribers if the value changed
// since the last read or write.
func (i *Item[T]) Refresh(ctx context.Context) error {
	value, ok, err := i.store.Load(ctx, i.key)
	if err != nil {
		return err
	}
	if !ok {
		value = i.defRaw
	} else if _, err := i.decodeStrict(value); err != nil {
		return fmt.Errorf("decode setting %s: %w", i.key, err)
	}
	if i.swap(value) {
		i.publish(value)
	}
	return nil
}

func (i *Item[T]) load(ctx context.Context) (T, error) {
	value, ok, err := i.store.Load(ctx, i.key)
	if err != nil {
		var zero T
		return zero, err
	}
	if !ok {
		return i.decode(nil), nil
	}
	v, err := i.decodeStrict(value)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decode setting %s: %w", i.key, err)
	}
	return v, nil
}

func (i *Item[T]) set(ctx context.Context, v T) error {
	if i.normalize != nil {
		v = i.normalize(v)
	}
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", i.key, err)
	}
	if err := i.store.Save(ctx, i.key, value); err != nil {
		return err
	}
	if !i.swap(value) {
		return nil
	}
	i.publish(value)
	if i.notify != nil {
		i.notify(i.key)
	}
	return nil
}

func (i *Item[T]) swap(value []byte) (changed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	changed = !bytes.Equal(i.raw, value)
	i.raw = value
	return changed
}

func (i *Item[T]) publish(value []byte) {
	i.mu.RLock()
	subs := make([]func(T), 0, len(i.subs))
	for _, fn := range i.subs {
		subs = append(subs, fn)
	}
	i.mu.RUnlock()

	for _, fn := range subs {
		fn(i.decode(value))
	}
}

// decode falls back to the default for missing or unreadable values.
func (i *Item[T]) decode(raw []byte) T {
	if len(raw) == 0 {
		raw = i.defRaw
	}
	v, err := i.decodeStrict(raw)
	if err != nil {
		v, _ = i.decodeStrict(i.defRaw)
	}
	return v
}

// decodeStrict decodes raw over a fresh copy of the default, so fields
// missing from older stored values keep their defaults.
func (i *Item[T]) decodeStrict(raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(i.defRaw, &v); err != nil {
		return v, err
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
