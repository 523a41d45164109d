// Package settings persists user settings and notifies listeners, in this
// process and across the bus, when they change.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/chatreader/internal/filter"
)

// Storage keys.
const (
	KeyEnabled    = "extension-enabled"
	KeyVoice      = "tts-voice"
	KeyVolume     = "tts-volume"
	KeyFilters    = "text-filter"
	KeyLogConsole = "log-console"
	KeyLogs       = "log-buffer"
)

const DefaultMaxLogEntries = 1000

var ErrFilterNotFound = errors.New("filter not found")

type EnabledState struct {
	Enabled bool `json:"enabled"`
}

type VoiceState struct {
	URI string `json:"uri"`
}

type VolumeState struct {
	Volume float64 `json:"volume"`
}

type FilterState struct {
	Filters []filter.Filter `json:"filters"`
	NextID  int             `json:"nextId"`
}

// LogEntry is one buffered log line. Timestamp is in Unix milliseconds.
type LogEntry struct {
	Timestamp int64          `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type LogState struct {
	Entries    []LogEntry `json:"entries"`
	MaxEntries int        `json:"maxEntries"`
}

// Settings groups the typed items stored in one Store.
type Settings struct {
	Enabled    *Item[EnabledState]
	Voice      *Item[VoiceState]
	Volume     *Item[VolumeState]
	Filters    *Item[FilterState]
	LogConsole *Item[EnabledState]
	Logs       *Item[LogState]

	store *Store
	log   *slog.Logger
	clock func() time.Time
}

func New(store *Store, maxLogEntries int, log *slog.Logger) *Settings {
	if maxLogEntries <= 0 {
		maxLogEntries = DefaultMaxLogEntries
	}
	s := &Settings{
		store: store,
		log:   log.With(slog.String("component", "settings")),
		clock: time.Now,
	}
	s.Enabled = newItem(KeyEnabled, store, EnabledState{Enabled: true}, nil)
	s.Voice = newItem(KeyVoice, store, VoiceState{}, nil)
	s.Volume = newItem(KeyVolume, store, VolumeState{Volume: 1}, func(v VolumeState) VolumeState {
		v.Volume = ClampVolume(v.Volume)
		return v
	})
	s.Filters = newItem(KeyFilters, store, FilterState{Filters: []filter.Filter{}, NextID: 1}, func(v FilterState) FilterState {
		if v.Filters == nil {
			v.Filters = []filter.Filter{}
		}
		if v.NextID < 1 {
			v.NextID = 1
		}
		return v
	})
	s.LogConsole = newItem(KeyLogConsole, store, EnabledState{}, nil)
	s.Logs = newItem(KeyLogs, store, LogState{Entries: []LogEntry{}, MaxEntries: maxLogEntries}, func(v LogState) LogState {
		if v.MaxEntries <= 0 {
			v.MaxEntries = maxLogEntries
		}
		if v.Entries == nil {
			v.Entries = []LogEntry{}
		}
		if over := len(v.Entries) - v.MaxEntries; over > 0 {
			v.Entries = append([]LogEntry(nil), v.Entries[over:]...)
		}
		return v
	})
	return s
}

// Load reads every key from the store.
func (s *Settings) Load(ctx context.Context) error {
	var errs []error
	for _, r := range s.refreshers() {
		if err := r(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh re-reads one key. Unknown keys are ignored.
func (s *Settings) Refresh(ctx context.Context, key string) error {
	r, ok := s.refreshers()[key]
	if !ok {
		s.log.Debug("ignoring refresh for unknown key", slog.String("key", key))
		return nil
	}
	return r(ctx)
}

func (s *Settings) refreshers() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		KeyEnabled:    s.Enabled.Refresh,
		KeyVoice:      s.Voice.Refresh,
		KeyVolume:     s.Volume.Refresh,
		KeyFilters:    s.Filters.Refresh,
		KeyLogConsole: s.LogConsole.Refresh,
		KeyLogs:       s.Logs.Refresh,
	}
}

// setNotifier installs fn on every item except the log buffer, which
// changes on each log line.
func (s *Settings) setNotifier(fn func(key string)) {
	s.Enabled.notify = fn
	s.Voice.notify = fn
	s.Volume.notify = fn
	s.Filters.notify = fn
	s.LogConsole.notify = fn
}

func (s *Settings) Store() *Store { return s.store }

// Toggle flips the enabled flag and returns the new value.
func (s *Settings) Toggle(ctx context.Context) (bool, error) {
	v, err := s.Enabled.Update(ctx, func(v EnabledState) EnabledState {
		v.Enabled = !v.Enabled
		return v
	})
	return v.Enabled, err
}

func (s *Settings) ToggleLogConsole(ctx context.Context) (bool, error) {
	v, err := s.LogConsole.Update(ctx, func(v EnabledState) EnabledState {
		v.Enabled = !v.Enabled
		return v
	})
	return v.Enabled, err
}

func (s *Settings) SetEnabled(ctx context.Context, enabled bool) error {
	return s.Enabled.Set(ctx, EnabledState{Enabled: enabled})
}

func (s *Settings) SetVoice(ctx context.Context, uri string) error {
	return s.Voice.Set(ctx, VoiceState{URI: uri})
}

// SetVolume stores volume clamped to [0, 1].
func (s *Settings) SetVolume(ctx context.Context, volume float64) error {
	return s.Volume.Set(ctx, VolumeState{Volume: volume})
}

func ClampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 1
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// AddFilter assigns the next id to f, appends it and returns the stored filter.
func (s *Settings) AddFilter(ctx context.Context, f filter.Filter) (filter.Filter, error) {
	if err := f.Validate(); err != nil {
		return filter.Filter{}, err
	}
	var added filter.Filter
	_, err := s.Filters.Update(ctx, func(st FilterState) FilterState {
		f.ID = st.NextID
		added = f
		st.Filters = append(st.Filters, f)
		st.NextID++
		return st
	})
	if err != nil {
		return filter.Filter{}, err
	}
	return added, nil
}

// RemoveFilter deletes the filter with id. nextId is left unchanged.
func (s *Settings) RemoveFilter(ctx context.Context, id int) error {
	found := false
	_, err := s.Filters.Update(ctx, func(st FilterState) FilterState {
		kept := st.Filters[:0:0]
		for _, f := range st.Filters {
			if f.ID == id {
				found = true
				continue
			}
			kept = append(kept, f)
		}
		st.Filters = kept
		return st
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrFilterNotFound, id)
	}
	return nil
}

// UpdateFilter applies fn to the filter with id. The id cannot be changed
// and the result must still be valid.
func (s *Settings) UpdateFilter(ctx context.Context, id int, fn func(*filter.Filter)) (filter.Filter, error) {
	var (
		updated filter.Filter
		found   bool
		invalid error
	)
	_, err := s.Filters.Update(ctx, func(st FilterState) FilterState {
		for idx := range st.Filters {
			if st.Filters[idx].ID != id {
				continue
			}
			found = true
			candidate := st.Filters[idx]
			fn(&candidate)
			candidate.ID = id
			if invalid = candidate.Validate(); invalid != nil {
				return st
			}
			st.Filters[idx] = candidate
			updated = candidate
		}
		return st
	})
	switch {
	case err != nil:
		return filter.Filter{}, err
	case !found:
		return filter.Filter{}, fmt.Errorf("%w: %d", ErrFilterNotFound, id)
	case invalid != nil:
		return filter.Filter{}, invalid
	}
	return updated, nil
}

// AddEntry appends a log entry, evicting the oldest beyond maxEntries.
func (s *Settings) AddEntry(ctx context.Context, level, message string, data map[string]any) error {
	entry := LogEntry{Timestamp: s.clock().UnixMilli(), Level: level, Message: message, Data: data}
	_, err := s.Logs.Update(ctx, func(st LogState) LogState {
		st.Entries = append(st.Entries, entry)
		return st
	})
	return err
}

func (s *Settings) ClearLogs(ctx context.Context) error {
	_, err := s.Logs.Update(ctx, func(st LogState) LogState {
		st.Entries = []LogEntry{}
		return st
	})
	return err
}

// RecentLogs returns the last count entries, or all of them when count <= 0.
func (s *Settings) RecentLogs(ctx context.Context, count int) ([]LogEntry, error) {
	st, err := s.Logs.Get(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 && count < len(st.Entries) {
		return st.Entries[len(st.Entries)-count:], nil
	}
	return st.Entries, nil
}
