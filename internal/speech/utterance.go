package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const stopTimeout = 5 * time.Second

// Utterance is one in-flight speak operation. It resolves exactly once: true
// on natural end, false on cancellation or interruption, or an error.
type Utterance struct {
	req    Request
	engine Engine
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	settled chan struct{}

	mu       sync.Mutex
	started  bool
	resolved bool
	event    Event
	spoken   bool
	err      error
}

// Speak starts req on engine and returns its handle. A missing RequestID is
// filled with a fresh UUID.
func Speak(ctx context.Context, engine Engine, req Request, logger *slog.Logger) *Utterance {
	u := newUtterance(ctx, engine, req, logger)
	u.start()
	return u
}

func newUtterance(ctx context.Context, engine Engine, req Request, logger *slog.Logger) *Utterance {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	uctx, cancel := context.WithCancel(ctx)
	return &Utterance{
		req:     req,
		engine:  engine,
		logger:  logger.With(slog.String("request_id", req.RequestID)),
		ctx:     uctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
}

func (u *Utterance) start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.resolved || u.started {
		return
	}
	u.started = true
	go u.run()
}

func (u *Utterance) run() {
	defer close(u.settled)
	event, err := u.engine.Speak(u.ctx, u.req)
	if err == nil && event.Type == EventError {
		msg := event.Error
		if msg == "" {
			msg = "TTS error occurred"
		}
		err = fmt.Errorf("%w: %s", ErrSynthesis, msg)
	}
	if err != nil && event.Type == "" {
		event = Event{RequestID: u.req.RequestID, Type: EventError, Error: err.Error()}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.resolve(event, err)
}

// resolve must be called with u.mu held.
func (u *Utterance) resolve(event Event, err error) {
	if u.resolved {
		return
	}
	u.resolved = true
	u.event = event
	u.spoken = err == nil && event.Success()
	u.err = err
	u.cancel()
	close(u.done)
}

// Cancel halts the utterance and resolves it as not spoken. It is a no-op
// once the utterance has resolved.
func (u *Utterance) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.resolved {
		return
	}
	u.logger.Debug("cancelling utterance")
	if u.started {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := u.engine.Stop(ctx); err != nil {
			u.logger.Warn("failed to stop speech engine", slogError(err))
		}
		cancel()
	} else {
		close(u.settled)
	}
	u.resolve(Event{RequestID: u.req.RequestID, Type: EventCancelled}, nil)
}

func (u *Utterance) Done() <-chan struct{} { return u.done }

// Settled is closed once the engine has returned from Speak, which can be
// after Done when the utterance was cancelled.
func (u *Utterance) Settled() <-chan struct{} { return u.settled }

func (u *Utterance) RequestID() string { return u.req.RequestID }

// Wait blocks until the utterance resolves or ctx ends.
func (u *Utterance) Wait(ctx context.Context) (bool, error) {
	select {
	case <-u.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.spoken, u.err
}

// Event returns the terminal event. It is zero until the utterance resolves.
func (u *Utterance) Event() Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.event
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
