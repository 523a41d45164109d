package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/chatreader/internal/bridge"
	"github.com/loqalabs/chatreader/internal/bus"
	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/dom"
	"github.com/loqalabs/chatreader/internal/monitor"
	"github.com/loqalabs/chatreader/internal/natsserver"
	"github.com/loqalabs/chatreader/internal/settings"
	"github.com/loqalabs/chatreader/internal/site"
	"github.com/loqalabs/chatreader/internal/source/testpage"
	"github.com/loqalabs/chatreader/internal/source/twitch"
	"github.com/loqalabs/chatreader/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

const meterName = "github.com/loqalabs/chatreader"

// Runtime wires the bus, settings, speech queue, chat source and monitor
// together and serves health and metrics over HTTP.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	settings *settings.Settings
	source   string
	version  string

	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	settingsSub *nats.Subscription
	bridge      *bridge.Server
	bridgeConn  *bridge.Client
	queue       *speech.Queue
	page        *testpage.Page
	monitor     *monitor.Monitor
	lastRecord  atomic.Pointer[monitor.Record]
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithVersion sets the build version reported in telemetry and /status.
func WithVersion(version string) Option {
	return func(r *Runtime) { r.version = version }
}

// New returns a runtime using st for user settings. The caller owns st and
// closes its store after Start returns.
func New(cfg config.Config, logger *slog.Logger, st *settings.Settings, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		settings: st,
		source:   fmt.Sprintf("%s/%s", cfg.RuntimeName, uuid.NewString()[:8]),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs until ctx ends, then shuts every component down in reverse
// order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := startTelemetry(ctx, r.cfg, chatreaderResource(r.cfg, r.version, r.source), r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startComponents(ctx); err != nil {
		cancel()
		return errors.Join(err, r.shutdown())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("POST /speech/skip", r.handleSkip)
	mux.HandleFunc("POST /speech/shim", r.handleShim)
	if tel.handler != nil {
		mux.Handle("/metrics", tel.handler)
	}
	if r.page != nil {
		mux.HandleFunc("POST /test-page/messages", r.handlePost)
		mux.HandleFunc("DELETE /test-page/messages", r.handleClear)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			httpErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("source", r.source))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-httpErr:
		cancel()
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	cancel()
	return errors.Join(runErr, r.shutdown())
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	r.settings.PublishChanges(busClient, r.source)
	sub, err := r.settings.FollowChanges(ctx, busClient, r.source)
	if err != nil {
		return fmt.Errorf("follow settings changes: %w", err)
	}
	r.settingsSub = sub

	engine, err := newEngine(r.cfg.Speech)
	if err != nil {
		return err
	}
	if r.cfg.Speech.ServeBridge {
		r.bridge = bridge.NewServer(ctx, busClient, engine, r.logger)
		if err := r.bridge.Start(); err != nil {
			return fmt.Errorf("start speech bridge: %w", err)
		}
	}
	if r.cfg.Speech.Bridge {
		timeout := time.Duration(r.cfg.Speech.RequestTimeoutMS) * time.Millisecond
		r.bridgeConn = bridge.NewClient(busClient, timeout, r.logger)
		engine = r.bridgeConn
	}

	meter := otel.Meter(meterName)
	r.queue = speech.NewQueue(engine, r.settings.Speech(),
		speech.WithLogger(r.logger),
		speech.WithMeter(meter),
	)

	doc, err := r.startSource(ctx)
	if err != nil {
		return err
	}
	if doc == nil {
		r.logger.Info("no chat source configured, monitor disabled")
		return nil
	}

	opts, err := monitor.OptionsFromConfig(r.cfg.Monitor)
	if err != nil {
		return err
	}
	opts.Logger = r.logger
	opts.Meter = meter
	opts.OnRecord = func(rec monitor.Record) { r.lastRecord.Store(&rec) }
	r.monitor = monitor.New(doc, site.Default(), r.queue, r.settings.FilterList(), opts)
	r.goRun(ctx, "monitor", r.monitor.Run)
	return nil
}

// startSource creates the configured chat document and starts whatever feeds
// it. It returns nil when no source is configured.
func (r *Runtime) startSource(ctx context.Context) (dom.Document, error) {
	switch r.cfg.Source.Mode {
	case "testpage":
		page, err := testpage.New(r.cfg.Source.TestPage, r.logger)
		if err != nil {
			return nil, err
		}
		r.page = page
		r.goRun(ctx, "test-page", page.Run)
		return page.Document(), nil
	case "twitch":
		mirror, err := twitch.New(r.cfg.Source.Twitch, r.logger)
		if err != nil {
			return nil, err
		}
		r.goRun(ctx, "twitch-mirror", mirror.Run)
		return mirror.Document(), nil
	default:
		return nil, nil
	}
}

func (r *Runtime) goRun(ctx context.Context, name string, run func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := run(ctx); err != nil {
			r.logger.Error("component stopped with error", slog.String("component", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() error {
	var errs []error
	if r.queue != nil {
		r.queue.Close()
	}
	r.wg.Wait()
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.settingsSub != nil {
		if err := r.settingsSub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe settings: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()

	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newEngine(cfg config.SpeechConfig) (speech.Engine, error) {
	switch cfg.Mode {
	case "exec":
		return speech.NewExecEngine(cfg.Command)
	case "shim":
		return speech.NewShimEngine(), nil
	default:
		return speech.NewMockEngine(time.Duration(cfg.MockDurationMS) * time.Millisecond), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.bridge == nil || r.bridge.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type status struct {
	Version  string       `json:"version"`
	Enabled  bool         `json:"enabled"`
	Voice    string       `json:"voice"`
	Volume   float64      `json:"volume"`
	Filters  int          `json:"filters"`
	Queued   int          `json:"queued"`
	Speaking bool         `json:"speaking"`
	Monitor  string       `json:"monitor"`
	Site     string       `json:"site,omitempty"`
	Last     *lastMessage `json:"last_message,omitempty"`
}

// lastMessage is the most recent chat message the monitor queued, with its
// fields before and after input filtering.
type lastMessage struct {
	Text     string            `json:"text"`
	Fields   map[string]string `json:"fields"`
	Filtered map[string]string `json:"filtered"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	speechSettings := r.settings.Speech()
	st := status{
		Version:  r.version,
		Enabled:  speechSettings.Enabled(),
		Voice:    speechSettings.Voice(),
		Volume:   speechSettings.Volume(),
		Filters:  len(r.settings.FilterList().Snapshot()),
		Queued:   r.queue.Len(),
		Speaking: r.queue.Speaking(),
		Monitor:  "disabled",
	}
	if r.monitor != nil {
		st.Monitor = r.monitor.State().String()
		if cfg := r.monitor.Config(); cfg != nil {
			st.Site = cfg.Name
		}
	}
	if rec := r.lastRecord.Load(); rec != nil {
		st.Last = &lastMessage{Text: rec.Text, Fields: rec.FieldValues, Filtered: rec.FilteredFieldValues}
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSkip stops the message being spoken; the queue moves on to the next.
func (r *Runtime) handleSkip(w http.ResponseWriter, _ *http.Request) {
	r.queue.CancelCurrent()
	w.WriteHeader(http.StatusNoContent)
}

// handleShim switches the bridge server to the shim engine, which resolves
// every request at once. It needs speech.bridge.
func (r *Runtime) handleShim(w http.ResponseWriter, _ *http.Request) {
	if r.bridgeConn == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "speech bridge is not enabled"})
		return
	}
	if err := r.bridgeConn.UseWebDriverShim(); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	r.logger.Info("switched speech bridge to shim engine")
	w.WriteHeader(http.StatusAccepted)
}

type postRequest struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// handlePost adds a message to the test page; an empty request posts a
// random one.
func (r *Runtime) handlePost(w http.ResponseWriter, req *http.Request) {
	var body postRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Name == "" && body.Body == "" {
		if err := r.page.PostRandom(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"count": r.page.Count()})
		return
	}
	posted, err := r.page.Post(body.Name, body.Body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !posted {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and body are required"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"count": r.page.Count()})
}

func (r *Runtime) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := r.page.Clear(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
