package settings

import "github.com/loqalabs/chatreader/internal/filter"

// SpeechSettings exposes the enabled flag, voice and volume to a speech
// queue. Values come from the in-memory snapshots, so callers should Load or
// follow changes to keep them current.
type SpeechSettings struct {
	s *Settings
}

func (s *Settings) Speech() SpeechSettings { return SpeechSettings{s: s} }

func (a SpeechSettings) Enabled() bool { return a.s.Enabled.Snapshot().Enabled }

func (a SpeechSettings) SubscribeEnabled(fn func(enabled bool)) func() {
	return a.s.Enabled.Subscribe(func(v EnabledState) { fn(v.Enabled) })
}

func (a SpeechSettings) Voice() string { return a.s.Voice.Snapshot().URI }

func (a SpeechSettings) Volume() float64 { return a.s.Volume.Snapshot().Volume }

// FilterList exposes the ordered filter list to a monitor.
type FilterList struct {
	s *Settings
}

func (s *Settings) FilterList() FilterList { return FilterList{s: s} }

func (l FilterList) Snapshot() []filter.Filter { return l.s.Filters.Snapshot().Filters }

func (l FilterList) Subscribe(fn func([]filter.Filter)) func() {
	return l.s.Filters.Subscribe(func(v FilterState) { fn(v.Filters) })
}
