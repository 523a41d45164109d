package testpage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/filter"
	"github.com/loqalabs/chatreader/internal/monitor"
	"github.com/loqalabs/chatreader/internal/site"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPostKeepsMostRecent(t *testing.T) {
	p, err := New(config.TestPageConfig{MaxMessages: 3}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if ok, err := p.Post("Donut", "Hello"); err != nil || !ok {
			t.Fatalf("post %d: %v %v", i, ok, err)
		}
	}
	if p.Count() != 3 {
		t.Fatalf("expected 3 messages, got %d", p.Count())
	}
	first := p.Document().QuerySelector("yt-live-chat-text-message-renderer")
	if id, _ := first.GetAttribute("id"); id != "3" {
		t.Fatalf("expected oldest remaining id 3, got %q", id)
	}
}

func TestPostIgnoresEmpty(t *testing.T) {
	p, err := New(config.TestPageConfig{}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := p.Post("", "body"); ok {
		t.Fatal("message without name should be ignored")
	}
	if ok, _ := p.Post("Choco", "   "); ok {
		t.Fatal("blank message should be ignored")
	}
	if p.Count() != 0 {
		t.Fatal("expected empty page")
	}
}

func TestClearKeepsIDsIncreasing(t *testing.T) {
	p, err := New(config.TestPageConfig{}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = p.Post("Donut", "one")
	if err := p.Clear(); err != nil {
		t.Fatal(err)
	}
	_, _ = p.Post("Donut", "two")
	el := p.Document().QuerySelector("yt-live-chat-text-message-renderer")
	if id, _ := el.GetAttribute("id"); id != "2" {
		t.Fatalf("expected id 2 after clear, got %q", id)
	}
}

type sink struct {
	mu    sync.Mutex
	texts []string
}

func (s *sink) Enqueue(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return true
}

func (s *sink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type noFilters struct{}

func (noFilters) Snapshot() []filter.Filter { return nil }

func (noFilters) Subscribe(func([]filter.Filter)) func() { return func() {} }

func TestMonitorReadsTestPage(t *testing.T) {
	p, err := New(config.TestPageConfig{}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	out := &sink{}
	opts := monitor.DefaultOptions()
	opts.ContainerDelay = time.Millisecond
	m := monitor.New(p.Document(), site.Default(), out, noFilters{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(3 * time.Second)
	for m.State() != monitor.StateObserving {
		if time.Now().After(deadline) {
			t.Fatalf("monitor not observing, state %s", m.State())
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := p.Post("タルト", "<b>ナイス！</b>"); err != nil {
		t.Fatal(err)
	}
	for len(out.Texts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message not read")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := out.Texts()[0]; got != "タルト <b>ナイス！</b>" {
		t.Fatalf("unexpected text %q", got)
	}
}
