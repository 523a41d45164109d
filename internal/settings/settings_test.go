package settings

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/filter"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openPersistent(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), config.SettingsConfig{Path: path, Mode: "persistent"}, newLogger())
	if err != nil {
		t.Fatalf("open settings store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenEphemeral(t *testing.T) {
	store, err := Open(context.Background(), config.SettingsConfig{Mode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if store.Persistent() {
		t.Fatal("ephemeral store should not be persistent")
	}
	if err := store.Save(context.Background(), "k", []byte(`1`)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := store.Load(context.Background(), "k")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("unexpected load %q %v %v", v, ok, err)
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	first := openPersistent(t, path)
	first.clock = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	if err := first.Save(ctx, KeyVoice, []byte(`{"uri":"voice-1"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := openPersistent(t, path)
	v, ok, err := second.Load(ctx, KeyVoice)
	if err != nil || !ok {
		t.Fatalf("load: %v %v", ok, err)
	}
	if string(v) != `{"uri":"voice-1"}` {
		t.Fatalf("unexpected value %s", v)
	}
	keys, err := second.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != KeyVoice {
		t.Fatalf("unexpected keys %v %v", keys, err)
	}
	at, err := second.UpdatedAt(ctx, KeyVoice)
	if err != nil {
		t.Fatalf("updated at: %v", err)
	}
	if !at.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected updated_at %v", at)
	}
	if err := second.Delete(ctx, KeyVoice); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := second.Load(ctx, KeyVoice); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestDefaults(t *testing.T) {
	s := New(NewMemoryStore(newLogger()), 0, newLogger())
	if err := s.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Enabled.Snapshot().Enabled {
		t.Fatal("enabled should default to true")
	}
	if s.Volume.Snapshot().Volume != 1 {
		t.Fatal("volume should default to 1")
	}
	if s.Voice.Snapshot().URI != "" || s.LogConsole.Snapshot().Enabled {
		t.Fatal("unexpected voice or log-console default")
	}
	fs := s.Filters.Snapshot()
	if len(fs.Filters) != 0 || fs.NextID != 1 {
		t.Fatalf("unexpected filter default %+v", fs)
	}
	if s.Logs.Snapshot().MaxEntries != DefaultMaxLogEntries {
		t.Fatal("unexpected max entries")
	}
}

func TestPartialStoredValueKeepsDefaults(t *testing.T) {
	store := NewMemoryStore(newLogger())
	if err := store.Save(context.Background(), KeyFilters, []byte(`{"filters":[]}`)); err != nil {
		t.Fatal(err)
	}
	s := New(store, 0, newLogger())
	fs, err := s.Filters.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fs.NextID != 1 {
		t.Fatalf("expected default nextId, got %d", fs.NextID)
	}
}

func TestCorruptValue(t *testing.T) {
	store := NewMemoryStore(newLogger())
	_ = store.Save(context.Background(), KeyEnabled, []byte(`not json`))
	s := New(store, 0, newLogger())
	if _, err := s.Enabled.Get(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
	if !s.Enabled.Snapshot().Enabled {
		t.Fatal("snapshot should keep the default")
	}
}

func TestToggleAndSubscribe(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(newLogger()), 0, newLogger())

	var seen []bool
	unsubscribe := s.Speech().SubscribeEnabled(func(enabled bool) { seen = append(seen, enabled) })

	enabled, err := s.Toggle(ctx)
	if err != nil || enabled {
		t.Fatalf("expected toggle to disable, got %v %v", enabled, err)
	}
	if s.Speech().Enabled() {
		t.Fatal("adapter should see disabled")
	}
	// Writing the same value again does not notify.
	if err := s.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	unsubscribe()
	if err := s.SetEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestVolumeClamp(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(newLogger()), 0, newLogger())
	cases := []struct {
		in   float64
		want float64
	}{
		{1.5, 1},
		{-0.2, 0},
		{0.3, 0.3},
	}
	for _, tc := range cases {
		if err := s.SetVolume(ctx, tc.in); err != nil {
			t.Fatal(err)
		}
		if got := s.Speech().Volume(); got != tc.want {
			t.Fatalf("SetVolume(%v): got %v, want %v", tc.in, got, tc.want)
		}
	}
	if err := s.SetVoice(ctx, "voice-x"); err != nil {
		t.Fatal(err)
	}
	if s.Speech().Voice() != "voice-x" {
		t.Fatal("voice not stored")
	}
}

func TestFilterCRUD(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(newLogger()), 0, newLogger())

	first, err := s.AddFilter(ctx, filter.Filter{Enabled: true, Target: filter.TargetOutput, Type: filter.TypePattern, Pattern: "a", Replacement: "b"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := s.AddFilter(ctx, filter.Filter{Enabled: true, Target: filter.TargetOutput, Type: filter.TypeCommand, Pattern: "substring(5)"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("unexpected ids %d %d", first.ID, second.ID)
	}

	if _, err := s.AddFilter(ctx, filter.Filter{Target: "elsewhere", Type: filter.TypePattern}); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("expected invalid filter, got %v", err)
	}

	updated, err := s.UpdateFilter(ctx, 1, func(f *filter.Filter) {
		f.Enabled = false
		f.ID = 99
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != 1 || updated.Enabled {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if _, err := s.UpdateFilter(ctx, 2, func(f *filter.Filter) { f.Pattern = "nope" }); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("expected invalid update to be rejected, got %v", err)
	}
	if _, err := s.UpdateFilter(ctx, 42, func(*filter.Filter) {}); !errors.Is(err, ErrFilterNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.RemoveFilter(ctx, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveFilter(ctx, 1); !errors.Is(err, ErrFilterNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	third, err := s.AddFilter(ctx, filter.Filter{Enabled: true, Target: filter.TargetOutput, Type: filter.TypePattern, Pattern: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != 3 {
		t.Fatalf("ids must not be reused, got %d", third.ID)
	}

	fs := s.Filters.Snapshot()
	if len(fs.Filters) != 2 || fs.Filters[0].ID != 2 || fs.Filters[1].ID != 3 || fs.Filters[0].Pattern != "substring(5)" {
		t.Fatalf("unexpected filter list %+v", fs.Filters)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(newLogger()), 0, newLogger())
	if _, err := s.AddFilter(ctx, filter.Filter{Target: filter.TargetOutput, Type: filter.TypePattern, Pattern: "a"}); err != nil {
		t.Fatal(err)
	}
	snap := s.Filters.Snapshot()
	snap.Filters[0].Pattern = "mutated"
	if s.Filters.Snapshot().Filters[0].Pattern != "a" {
		t.Fatal("snapshot mutation leaked into the item")
	}
}

func TestRefreshSeesOtherWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")
	daemon := New(openPersistent(t, path), 0, newLogger())
	ctl := New(openPersistent(t, path), 0, newLogger())
	if err := daemon.Load(ctx); err != nil {
		t.Fatal(err)
	}

	changed := make(chan bool, 1)
	daemon.Enabled.Subscribe(func(v EnabledState) { changed <- v.Enabled })

	if err := ctl.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if !daemon.Enabled.Snapshot().Enabled {
		t.Fatal("daemon snapshot should be stale before refresh")
	}
	if err := daemon.Refresh(ctx, KeyEnabled); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-changed:
		if v {
			t.Fatal("expected disabled after refresh")
		}
	default:
		t.Fatal("refresh did not notify")
	}
	if err := daemon.Refresh(ctx, "unknown-key"); err != nil {
		t.Fatalf("unknown key should be ignored, got %v", err)
	}
}

func TestLogBuffer(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(newLogger()), 3, newLogger())
	now := time.UnixMilli(1_700_000_000_000)
	s.clock = func() time.Time { return now }

	for _, msg := range []string{"a", "b", "c", "d"} {
		if err := s.AddEntry(ctx, "info", msg, nil); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.RecentLogs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Message != "b" || all[2].Message != "d" {
		t.Fatalf("expected oldest evicted, got %+v", all)
	}
	if all[0].Timestamp != now.UnixMilli() {
		t.Fatalf("unexpected timestamp %d", all[0].Timestamp)
	}
	recent, _ := s.RecentLogs(ctx, 2)
	if len(recent) != 2 || recent[0].Message != "c" {
		t.Fatalf("unexpected recent %+v", recent)
	}
	if err := s.ClearLogs(ctx); err != nil {
		t.Fatal(err)
	}
	if all, _ := s.RecentLogs(ctx, 0); len(all) != 0 {
		t.Fatalf("expected cleared logs, got %d", len(all))
	}
}

func TestLogHandler(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStore(newLogger()), 0, newLogger())

	var console bytes.Buffer
	next := slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewLogHandler(s, next, slog.LevelDebug)).With(slog.String("component", "monitor"))

	logger.Debug("quiet line", slog.Int("count", 2))
	if console.Len() != 0 {
		t.Fatalf("debug line forwarded while log-console is off: %s", console.String())
	}
	logger.Warn("loud line", slog.Any("error", errors.New("boom")))
	if !strings.Contains(console.String(), "loud line") {
		t.Fatal("warnings should always be forwarded")
	}

	if _, err := s.ToggleLogConsole(ctx); err != nil {
		t.Fatal(err)
	}
	logger.WithGroup("req").Info("grouped", slog.String("id", "r1"))
	if !strings.Contains(console.String(), "grouped") {
		t.Fatal("info line not forwarded with log-console on")
	}

	entries, err := s.RecentLogs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != "debug" || entries[0].Data["component"] != "monitor" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if n, ok := entries[0].Data["count"].(float64); !ok || n != 2 {
		t.Fatalf("unexpected count attr %#v", entries[0].Data["count"])
	}
	if entries[1].Level != "warn" || entries[1].Data["error"] != "boom" {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
	if entries[2].Data["req.id"] != "r1" {
		t.Fatalf("unexpected grouped entry %+v", entries[2])
	}
}
