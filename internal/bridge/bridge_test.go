package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/chatreader/internal/bus"
	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/natsserver"
	"github.com/loqalabs/chatreader/internal/protocol"
	"github.com/loqalabs/chatreader/internal/speech"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "bridge-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startBridge(t *testing.T, engine speech.Engine) (*Server, *Client, *bus.Client) {
	t.Helper()
	busClient := startBus(t)
	server := NewServer(context.Background(), busClient, engine, newLogger())
	if err := server.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(server.Close)
	if err := busClient.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	return server, NewClient(busClient, 5*time.Second, newLogger()), busClient
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestSpeakRoundTrip(t *testing.T) {
	engine := speech.NewMockEngine(10 * time.Millisecond)
	server, client, _ := startBridge(t, engine)

	volume := 0.25
	ev, err := client.Speak(context.Background(), speech.Request{Text: "hello", VoiceURI: "voice-a", Volume: &volume, RequestID: "req-1"})
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if ev.Type != speech.EventEnd || ev.RequestID != "req-1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	reqs := engine.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Text != "hello" || reqs[0].VoiceURI != "voice-a" || reqs[0].Volume == nil || *reqs[0].Volume != 0.25 {
		t.Fatalf("request not forwarded intact: %+v", reqs[0])
	}
	if !server.Healthy() {
		t.Fatal("expected healthy server")
	}
}

func TestCancelActiveRequest(t *testing.T) {
	engine := speech.NewMockEngine(5 * time.Second)
	_, client, _ := startBridge(t, engine)

	done := make(chan speech.Event, 1)
	go func() {
		ev, err := client.Speak(context.Background(), speech.Request{Text: "long", RequestID: "req-long"})
		if err != nil {
			t.Errorf("speak: %v", err)
		}
		done <- ev
	}()
	waitFor(t, func() bool { return len(engine.Requests()) == 1 })

	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case ev := <-done:
		if ev.Type != speech.EventCancelled {
			t.Fatalf("expected cancelled, got %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("speak did not return after cancel")
	}
}

func TestIdleClientStopLeavesOtherRequest(t *testing.T) {
	engine := speech.NewMockEngine(5 * time.Second)
	_, client, busClient := startBridge(t, engine)
	idle := NewClient(busClient, time.Second, newLogger())

	done := make(chan speech.Event, 1)
	go func() {
		ev, _ := client.Speak(context.Background(), speech.Request{Text: "long", RequestID: "req-long"})
		done <- ev
	}()
	waitFor(t, func() bool { return len(engine.Requests()) == 1 })

	if err := idle.Stop(context.Background()); err != nil {
		t.Fatalf("idle stop: %v", err)
	}
	select {
	case ev := <-done:
		t.Fatalf("idle client cancelled another request: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("speak did not return after cancel")
	}
}

func rawRequest(t *testing.T, busClient *bus.Client, typ string, data any) protocol.Envelope {
	t.Helper()
	payload, err := protocol.Encode(typ, data)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := busClient.Request(ctx, protocol.SubjectSpeechRequest, payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	env, err := protocol.Decode(reply)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestSingleFlightAndCancelMatching(t *testing.T) {
	engine := speech.NewMockEngine(5 * time.Second)
	_, client, busClient := startBridge(t, engine)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = client.Speak(context.Background(), speech.Request{Text: "first", RequestID: "req-a"})
	}()
	waitFor(t, func() bool { return len(engine.Requests()) == 1 })

	env := rawRequest(t, busClient, protocol.TypeSpeak, protocol.SpeakRequest{Text: "second", RequestID: "req-b"})
	var busy protocol.SpeakResult
	if err := env.DecodeData(&busy); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeSpeakResult || busy.Success || busy.RequestID != "req-b" || busy.Type != "error" {
		t.Fatalf("expected busy error result, got %s %+v", env.Type, busy)
	}

	env = rawRequest(t, busClient, protocol.TypeCancel, protocol.CancelRequest{RequestID: "req-other"})
	var mismatch protocol.CancelResult
	if err := env.DecodeData(&mismatch); err != nil {
		t.Fatal(err)
	}
	if mismatch.Success {
		t.Fatal("cancel for another request id must not succeed")
	}

	env = rawRequest(t, busClient, protocol.TypeCancel, nil)
	var cancelled protocol.CancelResult
	if err := env.DecodeData(&cancelled); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeCancelResult || !cancelled.Success {
		t.Fatalf("expected id-less cancel to stop the active request, got %+v", cancelled)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("first request did not finish")
	}
}

func TestClientDetectsMismatchedResponse(t *testing.T) {
	busClient := startBus(t)
	sub, err := busClient.Subscribe(protocol.SubjectSpeechRequest, func(msg *nats.Msg) {
		payload, _ := protocol.Encode(protocol.TypeSpeakResult, protocol.SpeakResult{RequestID: "someone-else", Type: "end", Success: true})
		_ = msg.Respond(payload)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	client := NewClient(busClient, time.Second, newLogger())
	if _, err := client.Speak(context.Background(), speech.Request{Text: "hi", RequestID: "mine"}); !errors.Is(err, ErrRequestMismatch) {
		t.Fatalf("expected ErrRequestMismatch, got %v", err)
	}
}

func TestClientWithoutServer(t *testing.T) {
	busClient := startBus(t)
	client := NewClient(busClient, time.Second, newLogger())
	if _, err := client.Speak(context.Background(), speech.Request{Text: "hi", RequestID: "r"}); !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("expected no responders, got %v", err)
	}
}

func TestWebDriverShim(t *testing.T) {
	engine := speech.NewMockEngine(5 * time.Second)
	server, client, _ := startBridge(t, engine)

	if err := client.UseWebDriverShim(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := client.Speak(ctx, speech.Request{Text: "instant", RequestID: "s1"})
	if err != nil || ev.Type != speech.EventEnd {
		t.Fatalf("expected shim to end immediately, got %+v %v", ev, err)
	}
	if len(engine.Requests()) != 0 {
		t.Fatal("replaced engine should no longer receive requests")
	}
	shim, ok := server.Engine().(*speech.ShimEngine)
	if !ok || len(shim.Calls()) != 1 {
		t.Fatalf("expected shim to record the call, got %T", server.Engine())
	}
}

type staticSettings struct {
	mu      sync.Mutex
	enabled bool
}

func (s *staticSettings) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}
func (s *staticSettings) SubscribeEnabled(func(bool)) func() { return func() {} }
func (s *staticSettings) Voice() string                      { return "" }
func (s *staticSettings) Volume() float64                    { return 1 }

func TestQueueOverBridge(t *testing.T) {
	engine := speech.NewMockEngine(5 * time.Millisecond)
	_, client, _ := startBridge(t, engine)

	results := make(chan speech.Result, 3)
	q := speech.NewQueue(client, &staticSettings{enabled: true}, speech.WithResultObserver(func(r speech.Result) { results <- r }))
	defer q.Close()

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		q.Enqueue(text)
	}
	for _, want := range texts {
		select {
		case r := <-results:
			if r.Text != want || !r.Spoken {
				t.Fatalf("expected %q spoken, got %+v", want, r)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out")
		}
	}
	for i, req := range engine.Requests() {
		if req.Text != texts[i] {
			t.Fatalf("bridge reordered requests: %v", engine.Requests())
		}
	}
}
