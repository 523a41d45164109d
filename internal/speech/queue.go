package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Settings is the live view of user preferences the queue reads.
type Settings interface {
	Enabled() bool
	// SubscribeEnabled registers fn for enabled-flag changes and returns a
	// function that removes it.
	SubscribeEnabled(fn func(enabled bool)) (unsubscribe func())
	Voice() string
	Volume() float64
}

// Result describes how one queued message ended.
type Result struct {
	Text      string
	RequestID string
	Spoken    bool
	Event     EventType
	Err       error
}

type QueueOption func(*Queue)

func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

// WithResultObserver registers fn to receive every result in speaking order.
// fn runs on the drain goroutine.
func WithResultObserver(fn func(Result)) QueueOption {
	return func(q *Queue) { q.onResult = fn }
}

func WithMeter(meter metric.Meter) QueueOption {
	return func(q *Queue) { q.meter = meter }
}

// Queue speaks enqueued texts one at a time in enqueue order. Turning the
// enabled flag off cancels the current utterance and drops the backlog.
type Queue struct {
	engine   Engine
	settings Settings
	logger   *slog.Logger
	meter    metric.Meter
	onResult func(Result)

	spoken    metric.Int64Counter
	cancelled metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	items    []string
	draining bool
	closed   bool
	current  *Utterance
}

func NewQueue(engine Engine, settings Settings, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		engine:   engine,
		settings: settings,
		logger:   slog.New(slog.DiscardHandler),
		meter:    otel.Meter("github.com/loqalabs/chatreader/speech"),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.spoken, q.cancelled, q.failed, q.dropped = noop.Int64Counter{}, noop.Int64Counter{}, noop.Int64Counter{}, noop.Int64Counter{}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("component", "speech-queue"))
	if err := q.initMetrics(); err != nil {
		q.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return q
}

func (q *Queue) initMetrics() error {
	spoken, err := q.meter.Int64Counter("chatreader.speech.spoken",
		metric.WithDescription("Messages spoken to completion"))
	if err != nil {
		return err
	}
	cancelled, err := q.meter.Int64Counter("chatreader.speech.cancelled",
		metric.WithDescription("Messages cancelled or interrupted while speaking"))
	if err != nil {
		return err
	}
	failed, err := q.meter.Int64Counter("chatreader.speech.failed",
		metric.WithDescription("Messages that failed synthesis or delivery"))
	if err != nil {
		return err
	}
	dropped, err := q.meter.Int64Counter("chatreader.speech.dropped",
		metric.WithDescription("Queued messages dropped because speech was disabled"))
	if err != nil {
		return err
	}
	q.spoken, q.cancelled, q.failed, q.dropped = spoken, cancelled, failed, dropped
	return nil
}

// Enqueue appends text and starts a drain if none is running. It returns
// false after Close.
func (q *Queue) Enqueue(text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, text)
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	return true
}

// Len reports the number of queued, not yet started, messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Speaking reports whether an utterance is in flight.
func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// CancelCurrent cancels the in-flight utterance, if any. Queued messages are
// kept and the drain moves on to the next one.
func (q *Queue) CancelCurrent() {
	q.mu.Lock()
	u := q.current
	q.mu.Unlock()
	if u != nil {
		u.Cancel()
	}
}

// Close stops accepting messages, cancels the current utterance and waits for
// the drain to exit. Pending messages are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	u := q.current
	q.mu.Unlock()

	if u != nil {
		u.Cancel()
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		text, ok := q.next()
		if !ok {
			return
		}
		q.speakOne(text)
	}
}

// next pops the head of the queue. The backlog is cleared here, and only
// here, when speech is disabled or the queue is closed.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		q.draining = false
		return "", false
	}
	if q.closed || !q.settings.Enabled() {
		n := len(q.items)
		q.items = nil
		q.draining = false
		q.dropped.Add(q.ctx, int64(n))
		q.logger.Debug("speech disabled, dropped queued messages", slog.Int("count", n))
		return "", false
	}
	text := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return text, true
}

func (q *Queue) speakOne(text string) {
	volume := q.settings.Volume()
	req := Request{Text: text, VoiceURI: q.settings.Voice(), Volume: &volume}
	u := newUtterance(q.ctx, q.engine, req, q.logger)

	unsubscribe := q.settings.SubscribeEnabled(func(enabled bool) {
		if !enabled {
			u.Cancel()
		}
	})
	q.mu.Lock()
	q.current = u
	q.mu.Unlock()

	if q.settings.Enabled() {
		u.start()
	} else {
		u.Cancel()
	}

	spoken, err := u.Wait(context.Background())
	unsubscribe()

	// A cancelled engine may still be tearing down; the next message must not
	// reach it while it is.
	select {
	case <-u.Settled():
	case <-time.After(stopTimeout):
		q.logger.Warn("speech engine did not settle after cancel", slog.String("request_id", u.RequestID()))
	}

	q.mu.Lock()
	q.current = nil
	q.mu.Unlock()

	event := u.Event()
	switch {
	case err != nil:
		q.failed.Add(q.ctx, 1)
		q.logger.Warn("failed to speak message", slog.String("request_id", u.RequestID()), slogError(err))
	case spoken:
		q.spoken.Add(q.ctx, 1)
		q.logger.Debug("message spoken", slog.String("request_id", u.RequestID()))
	default:
		q.cancelled.Add(q.ctx, 1)
		q.logger.Debug("message not spoken", slog.String("request_id", u.RequestID()), slog.String("event", string(event.Type)))
	}

	if q.onResult != nil {
		q.onResult(Result{Text: text, RequestID: u.RequestID(), Spoken: spoken, Event: event.Type, Err: err})
	}
}
