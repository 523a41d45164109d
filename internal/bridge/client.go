package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/chatreader/internal/bus"
	"github.com/loqalabs/chatreader/internal/protocol"
	"github.com/loqalabs/chatreader/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrRequestMismatch is returned when a SPEAK_RESULT names another request.
var ErrRequestMismatch = errors.New("speech response does not match request")

// Client is a speech.Engine that forwards requests to a bridge Server.
type Client struct {
	bus     *bus.Client
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	current string
}

// NewClient returns a bridge client. A zero timeout waits for each SPEAK
// response until the caller's context ends.
func NewClient(busClient *bus.Client, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		bus:     busClient,
		timeout: timeout,
		logger:  log.With(slog.String("component", "speech-bridge-client")),
		tracer:  otel.Tracer(tracerName),
	}
}

func (c *Client) Speak(ctx context.Context, req speech.Request) (speech.Event, error) {
	c.mu.Lock()
	c.current = req.RequestID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.current == req.RequestID {
			c.current = ""
		}
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "speech.bridge.speak",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("speech.request_id", req.RequestID)))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := protocol.Encode(protocol.TypeSpeak, protocol.SpeakRequest{
		Text:      req.Text,
		VoiceURI:  req.VoiceURI,
		Volume:    req.Volume,
		RequestID: req.RequestID,
	})
	if err != nil {
		return speech.Event{}, err
	}
	msg := nats.NewMsg(protocol.SubjectSpeechRequest)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	reply, err := c.bus.RequestMsg(ctx, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return speech.Event{RequestID: req.RequestID, Type: speech.EventInterrupted}, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return speech.Event{}, err
	}

	var result protocol.SpeakResult
	if err := decodeReply(reply, protocol.TypeSpeakResult, &result); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return speech.Event{}, err
	}
	if result.RequestID != req.RequestID {
		err := fmt.Errorf("%w: sent %s, got %s", ErrRequestMismatch, req.RequestID, result.RequestID)
		span.SetStatus(codes.Error, err.Error())
		return speech.Event{}, err
	}
	span.SetAttributes(attribute.String("speech.event", result.Type))
	if result.Error == speech.ErrBusy.Error() {
		span.SetStatus(codes.Error, result.Error)
		return speech.Event{}, speech.ErrBusy
	}

	c.logger.Debug("speech bridge result",
		slog.String("request_id", result.RequestID),
		slog.String("event", result.Type))
	return speech.Event{RequestID: result.RequestID, Type: speech.EventType(result.Type), Error: result.Error}, nil
}

// Stop cancels the request this client has in flight, if any.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	id := c.current
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	data, err := protocol.Encode(protocol.TypeCancel, protocol.CancelRequest{RequestID: id})
	if err != nil {
		return err
	}
	reply, err := c.bus.Request(ctx, protocol.SubjectSpeechRequest, data)
	if err != nil {
		return err
	}
	var result protocol.CancelResult
	if err := decodeReply(reply, protocol.TypeCancelResult, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("cancel of request %q rejected", id)
	}
	return nil
}

// UseWebDriverShim asks the server to replace its engine with the shim.
func (c *Client) UseWebDriverShim() error {
	data, err := protocol.Encode(protocol.TypeSetWebDriverShim, nil)
	if err != nil {
		return err
	}
	return c.bus.Publish(protocol.SubjectSpeechRequest, data)
}

func decodeReply(payload []byte, want string, v any) error {
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	if env.Type != want {
		return fmt.Errorf("unexpected response type %q, want %q", env.Type, want)
	}
	return env.DecodeData(v)
}
