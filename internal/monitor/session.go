package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/chatreader/internal/dom"
	"github.com/loqalabs/chatreader/internal/extract"
	"github.com/loqalabs/chatreader/internal/filter"
	"github.com/loqalabs/chatreader/internal/site"
)

// session holds the per-startup state: filter snapshot and seen message ids.
type session struct {
	cfg     *site.Config
	m       *Monitor
	logger  *slog.Logger
	seen    *lru.Cache[string, struct{}]
	stopped atomic.Bool

	mu           sync.RWMutex
	fieldFilters []filter.Filter
	outFilters   []filter.Filter
}

func newSession(cfg *site.Config, m *Monitor, logger *slog.Logger) (*session, error) {
	seen, err := lru.New[string, struct{}](m.opts.DedupeCacheSize)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, m: m, logger: logger, seen: seen}, nil
}

func (s *session) setFilters(filters []filter.Filter) {
	field, output := fieldLevel(filters)
	s.mu.Lock()
	s.fieldFilters, s.outFilters = field, output
	s.mu.Unlock()
}

// seed marks messages already on the page as seen so re-rendered items are
// not read again.
func (s *session) seed(container dom.Element) {
	if s.cfg.DedupeAttribute == "" {
		return
	}
	for _, el := range container.QuerySelectorAll(s.cfg.MessageSelector) {
		if id, ok := el.GetAttribute(s.cfg.DedupeAttribute); ok && id != "" {
			s.seen.Add(id, struct{}{})
		}
	}
}

func (s *session) handle(records []dom.MutationRecord) {
	if s.stopped.Load() {
		return
	}
	// Elements are compared by identity; dom.HTMLDocument elements are
	// comparable values.
	batch := make(map[dom.Element]struct{})
	for _, rec := range records {
		for _, node := range rec.AddedNodes {
			el, ok := node.(dom.Element)
			if !ok || !el.IsElement() {
				continue
			}
			var candidates []dom.Element
			if el.Matches(s.cfg.MessageSelector) {
				candidates = append(candidates, el)
			}
			candidates = append(candidates, el.QuerySelectorAll(s.cfg.MessageSelector)...)
			for _, c := range candidates {
				if _, dup := batch[c]; dup {
					continue
				}
				batch[c] = struct{}{}
				s.process(c)
			}
		}
	}
}

func (s *session) process(el dom.Element) {
	ctx := context.Background()
	if attr := s.cfg.DedupeAttribute; attr != "" {
		id, ok := el.GetAttribute(attr)
		if !ok || id == "" {
			s.logger.Debug("skipping message without id", slog.String("attribute", attr))
			return
		}
		if s.seen.Contains(id) {
			s.m.duplicates.Add(ctx, 1, siteAttr(s.cfg))
			s.logger.Debug("skipping already processed message", slog.String("id", id))
			return
		}
		s.seen.Add(id, struct{}{})
	}

	rec, ok := s.build(el)
	if !ok {
		s.m.discarded.Add(ctx, 1, siteAttr(s.cfg))
		return
	}
	if s.stopped.Load() {
		return
	}
	if !s.m.sink.Enqueue(rec.Text) {
		s.logger.Debug("sink closed, message dropped")
		return
	}
	s.m.detected.Add(ctx, 1, siteAttr(s.cfg))
	s.logger.Debug("message enqueued", slog.String("text", rec.Text))
	if s.m.opts.OnRecord != nil {
		s.m.opts.OnRecord(rec)
	}
}

// build runs extract, field filters, format, output filters and whitespace
// normalization. ok is false when the message has no content.
func (s *session) build(el dom.Element) (Record, bool) {
	values := extract.FieldValues(el, s.cfg.Fields)
	if extract.AllEmpty(values) {
		return Record{}, false
	}

	s.mu.RLock()
	fieldFilters, outFilters := s.fieldFilters, s.outFilters
	s.mu.RUnlock()

	warn := filter.WithLogger(s.logger)
	filtered := make(map[string]string, len(values))
	for name, v := range values {
		filtered[name] = filter.Apply(v, fieldFilters, filter.WithField(name), warn)
	}
	text := extract.FormatText(s.cfg.TextFormat, filtered)
	text = extract.NormalizeWhitespace(filter.Apply(text, outFilters, warn))
	if text == "" {
		return Record{}, false
	}
	return Record{FieldValues: values, FilteredFieldValues: filtered, Text: text}, true
}
