// Package monitor watches a chat document for new messages and turns each
// one into text for the speech queue.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/dom"
	"github.com/loqalabs/chatreader/internal/filter"
	"github.com/loqalabs/chatreader/internal/retry"
	"github.com/loqalabs/chatreader/internal/site"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type State int32

const (
	StateIdle State = iota
	StateWaitingForContainer
	StateWaitingForLoadIndicator
	StateObserving
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForContainer:
		return "waiting_for_container"
	case StateWaitingForLoadIndicator:
		return "waiting_for_load_indicator"
	case StateObserving:
		return "observing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Record is one processed chat message.
type Record struct {
	FieldValues         map[string]string
	FilteredFieldValues map[string]string
	Text                string
}

// Sink receives message text in detection order. *speech.Queue is a Sink.
type Sink interface {
	Enqueue(text string) bool
}

// Filters is the live filter list: a snapshot plus change subscription.
type Filters interface {
	Snapshot() []filter.Filter
	Subscribe(fn func([]filter.Filter)) (unsubscribe func())
}

type Options struct {
	// ContainerAttempts bounds the container lookup; the document root is
	// observed once it runs out.
	ContainerAttempts int
	ContainerDelay    time.Duration
	// LoadAttempts bounds the load indicator lookup. Zero waits until the
	// context ends.
	LoadAttempts    int
	LoadDelay       time.Duration
	Strategy        retry.Strategy
	URLPollInterval time.Duration
	DedupeCacheSize int
	Logger          *slog.Logger
	Meter           metric.Meter
	// OnRecord is called for every record handed to the sink.
	OnRecord func(Record)
}

func DefaultOptions() Options {
	return Options{
		ContainerAttempts: 50,
		ContainerDelay:    100 * time.Millisecond,
		LoadDelay:         500 * time.Millisecond,
		Strategy:          retry.StrategyNone,
		URLPollInterval:   time.Second,
		DedupeCacheSize:   1024,
	}
}

// OptionsFromConfig converts the monitor config section.
func OptionsFromConfig(cfg config.MonitorConfig) (Options, error) {
	strategy, err := retry.ParseStrategy(cfg.RetryStrategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ContainerAttempts: cfg.ContainerRetries,
		ContainerDelay:    time.Duration(cfg.ContainerDelayMS) * time.Millisecond,
		LoadAttempts:      cfg.LoadRetries,
		LoadDelay:         time.Duration(cfg.LoadDelayMS) * time.Millisecond,
		Strategy:          strategy,
		URLPollInterval:   time.Duration(cfg.URLPollIntervalMS) * time.Millisecond,
		DedupeCacheSize:   cfg.DedupeCacheSize,
	}, nil
}

// Monitor runs the startup sequence for the document's current URL, observes
// new messages and starts over whenever the URL changes.
type Monitor struct {
	doc      dom.Document
	registry *site.Registry
	sink     Sink
	filters  Filters
	opts     Options
	logger   *slog.Logger

	detected   metric.Int64Counter
	duplicates metric.Int64Counter
	discarded  metric.Int64Counter

	state atomic.Int32

	mu     sync.Mutex
	config *site.Config
}

func New(doc dom.Document, registry *site.Registry, sink Sink, filters Filters, opts Options) *Monitor {
	defaults := DefaultOptions()
	if opts.ContainerAttempts <= 0 {
		opts.ContainerAttempts = defaults.ContainerAttempts
	}
	if opts.ContainerDelay <= 0 {
		opts.ContainerDelay = defaults.ContainerDelay
	}
	if opts.LoadDelay <= 0 {
		opts.LoadDelay = defaults.LoadDelay
	}
	if opts.URLPollInterval <= 0 {
		opts.URLPollInterval = defaults.URLPollInterval
	}
	if opts.DedupeCacheSize <= 0 {
		opts.DedupeCacheSize = defaults.DedupeCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/loqalabs/chatreader/monitor")
	}

	m := &Monitor{
		doc:      doc,
		registry: registry,
		sink:     sink,
		filters:  filters,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "message-monitor")),
	}
	m.detected, m.duplicates, m.discarded = noop.Int64Counter{}, noop.Int64Counter{}, noop.Int64Counter{}
	if err := m.initMetrics(); err != nil {
		m.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *Monitor) initMetrics() error {
	detected, err := m.opts.Meter.Int64Counter("chatreader.monitor.messages",
		metric.WithDescription("Chat messages detected and enqueued"))
	if err != nil {
		return err
	}
	duplicates, err := m.opts.Meter.Int64Counter("chatreader.monitor.duplicates",
		metric.WithDescription("Chat messages skipped because their id was already seen"))
	if err != nil {
		return err
	}
	discarded, err := m.opts.Meter.Int64Counter("chatreader.monitor.discarded",
		metric.WithDescription("Chat messages with no content after extraction or filtering"))
	if err != nil {
		return err
	}
	m.detected, m.duplicates, m.discarded = detected, duplicates, discarded
	return nil
}

func (m *Monitor) State() State { return State(m.state.Load()) }

func (m *Monitor) setState(s State) {
	if prev := State(m.state.Swap(int32(s))); prev != s {
		m.logger.Debug("monitor state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Config returns the site config of the current session, or nil.
func (m *Monitor) Config() *site.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Run blocks until ctx ends. It always returns nil; startup problems are
// logged and leave the monitor idle until the URL changes.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.setState(StateStopped)

	for {
		url := m.doc.URL()
		sessionCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			m.session(sessionCtx, url)
		}()

		changed := m.waitForURLChange(ctx, url)
		cancel()
		<-done
		if !changed {
			return nil
		}
		m.logger.Info("page url changed, restarting monitor", slog.String("from", url), slog.String("to", m.doc.URL()))
	}
}

func (m *Monitor) waitForURLChange(ctx context.Context, url string) bool {
	interval := m.opts.URLPollInterval
	if cfg := m.registry.FindByURL(url); cfg != nil && cfg.PollingInterval > 0 {
		interval = cfg.PollingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if m.doc.URL() != url {
				return true
			}
		}
	}
}

// session runs one startup sequence and observes until ctx ends.
func (m *Monitor) session(ctx context.Context, url string) {
	m.setState(StateIdle)
	cfg := m.registry.FindByURL(url)
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	if cfg == nil {
		m.logger.Debug("no site config for url, monitor idle", slog.String("url", url))
		<-ctx.Done()
		return
	}
	logger := m.logger.With(slog.String("site", cfg.ID))
	logger.Info("monitoring started", slog.String("url", url))

	container, subtree, err := m.findContainer(ctx, cfg, logger)
	if err != nil {
		return
	}
	if cfg.LoadDetectionSelector != "" {
		if err := m.waitForLoad(ctx, cfg, container, logger); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("load indicator never appeared, monitor not started",
				slog.String("selector", cfg.LoadDetectionSelector))
			m.setState(StateIdle)
			<-ctx.Done()
			return
		}
	}

	s, err := newSession(cfg, m, logger)
	if err != nil {
		logger.Warn("failed to create dedupe cache", slog.String("error", err.Error()))
		m.setState(StateIdle)
		<-ctx.Done()
		return
	}
	s.seed(container)

	unsubscribe := m.filters.Subscribe(s.setFilters)
	defer unsubscribe()
	s.setFilters(m.filters.Snapshot())

	observer, err := m.doc.Observe(container, dom.ObserveOptions{ChildList: true, Subtree: subtree}, s.handle)
	if err != nil {
		logger.Warn("failed to observe container", slog.String("error", err.Error()))
		m.setState(StateIdle)
		<-ctx.Done()
		return
	}
	m.setState(StateObserving)
	logger.Debug("observing chat container", slog.Bool("subtree", subtree))

	<-ctx.Done()
	s.stopped.Store(true)
	observer.Disconnect()
	logger.Debug("monitoring stopped")
}

// findContainer returns the container, or the document root with subtree
// observation when the selector is empty or never matches.
func (m *Monitor) findContainer(ctx context.Context, cfg *site.Config, logger *slog.Logger) (dom.Element, bool, error) {
	if cfg.ContainerSelector == "" {
		return m.doc.Root(), true, nil
	}
	m.setState(StateWaitingForContainer)
	container, err := retry.ForValue(ctx, retry.Policy{
		Retries:  m.opts.ContainerAttempts - 1,
		Delay:    m.opts.ContainerDelay,
		Strategy: m.opts.Strategy,
		Logger:   logger,
	}, func() (dom.Element, bool) {
		el := m.doc.QuerySelector(cfg.ContainerSelector)
		return el, el != nil
	})
	switch {
	case err == nil:
		return container, false, nil
	case errors.Is(err, retry.ErrExhausted):
		logger.Warn("chat container not found, observing document root",
			slog.String("selector", cfg.ContainerSelector),
			slog.Int("attempts", m.opts.ContainerAttempts))
		return m.doc.Root(), true, nil
	default:
		return nil, false, err
	}
}

func (m *Monitor) waitForLoad(ctx context.Context, cfg *site.Config, container dom.Element, logger *slog.Logger) error {
	m.setState(StateWaitingForLoadIndicator)
	retries := retry.Unlimited
	if m.opts.LoadAttempts > 0 {
		retries = m.opts.LoadAttempts - 1
	}
	_, err := retry.ForValue(ctx, retry.Policy{
		Retries:  retries,
		Delay:    m.opts.LoadDelay,
		Strategy: m.opts.Strategy,
		Logger:   logger,
	}, func() (dom.Element, bool) {
		el := container.QuerySelector(cfg.LoadDetectionSelector)
		return el, el != nil
	})
	return err
}

func fieldLevel(filters []filter.Filter) (field, output []filter.Filter) {
	for _, f := range filters {
		if f.Target == filter.TargetField {
			field = append(field, f)
		} else {
			output = append(output, f)
		}
	}
	return field, output
}

func siteAttr(cfg *site.Config) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("site", cfg.ID))
}
