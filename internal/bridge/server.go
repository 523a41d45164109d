// Package bridge carries speech requests between the process that monitors
// chat and the process that owns the speech engine.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

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

const tracerName = "github.com/loqalabs/chatreader/bridge"

// Server answers SPEAK and CANCEL requests with a local engine. At most one
// SPEAK is active; another SPEAK while busy is answered with an error result.
type Server struct {
	bus    *bus.Client
	logger *slog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription

	mu     sync.Mutex
	engine speech.Engine
	active string
}

func NewServer(parent context.Context, busClient *bus.Client, engine speech.Engine, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		bus:    busClient,
		engine: engine,
		logger: log.With(slog.String("component", "speech-bridge-server")),
		tracer: otel.Tracer(tracerName),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Start() error {
	sub, err := s.bus.Subscribe(protocol.SubjectSpeechRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("speech bridge listening", slog.String("subject", protocol.SubjectSpeechRequest))
	return nil
}

func (s *Server) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	engine := s.engine
	active := s.active
	s.mu.Unlock()
	if active != "" {
		_ = engine.Stop(context.Background())
	}
	s.wg.Wait()
}

func (s *Server) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

// Engine returns the engine currently serving requests.
func (s *Server) Engine() speech.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Server) handleRequest(msg *nats.Msg) {
	env, err := protocol.Decode(msg.Data)
	if err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		return
	}

	switch env.Type {
	case protocol.TypeSpeak:
		var req protocol.SpeakRequest
		if err := env.DecodeData(&req); err != nil {
			s.logger.Warn("failed to decode speak request", slogError(err))
			return
		}
		s.handleSpeak(msg, req)
	case protocol.TypeCancel:
		var req protocol.CancelRequest
		if err := env.DecodeData(&req); err != nil {
			s.logger.Warn("failed to decode cancel request", slogError(err))
			return
		}
		s.handleCancel(msg, req)
	case protocol.TypeSetWebDriverShim:
		s.mu.Lock()
		s.engine = speech.NewShimEngine()
		s.mu.Unlock()
		s.logger.Info("speech engine replaced with webdriver shim")
	default:
		s.logger.Warn("unknown speech request type", slog.String("type", env.Type))
	}
}

func (s *Server) handleSpeak(msg *nats.Msg, req protocol.SpeakRequest) {
	s.mu.Lock()
	if s.active != "" {
		active := s.active
		s.mu.Unlock()
		s.logger.Warn("rejecting speak request while busy",
			slog.String("request_id", req.RequestID),
			slog.String("active_request_id", active))
		s.reply(msg, protocol.TypeSpeakResult, protocol.SpeakResult{
			RequestID: req.RequestID,
			Type:      string(speech.EventError),
			Error:     speech.ErrBusy.Error(),
		})
		return
	}
	s.active = req.RequestID
	engine := s.engine
	s.mu.Unlock()

	ctx := otel.GetTextMapPropagator().Extract(s.ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := s.tracer.Start(ctx, "speech.bridge.serve",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("speech.request_id", req.RequestID)))
		defer span.End()

		event, err := engine.Speak(ctx, speech.Request{
			Text:      req.Text,
			VoiceURI:  req.VoiceURI,
			Volume:    req.Volume,
			RequestID: req.RequestID,
		})

		s.mu.Lock()
		s.active = ""
		s.mu.Unlock()

		result := protocol.SpeakResult{RequestID: req.RequestID, Type: string(event.Type), Success: err == nil && event.Success()}
		switch {
		case err != nil:
			result.Type = string(speech.EventError)
			result.Error = err.Error()
		case event.Type == speech.EventError:
			result.Error = event.Error
			if result.Error == "" {
				result.Error = "TTS error occurred"
			}
		}
		if result.Error != "" {
			span.SetStatus(codes.Error, result.Error)
			s.logger.Warn("speech failed", slog.String("request_id", req.RequestID), slog.String("error", result.Error))
		}
		span.SetAttributes(attribute.String("speech.event", result.Type))
		s.reply(msg, protocol.TypeSpeakResult, result)
	}()
}

func (s *Server) handleCancel(msg *nats.Msg, req protocol.CancelRequest) {
	s.mu.Lock()
	active := s.active
	engine := s.engine
	s.mu.Unlock()

	var result protocol.CancelResult
	switch {
	case req.RequestID != "" && req.RequestID != active:
		s.logger.Debug("cancel does not match active request",
			slog.String("request_id", req.RequestID),
			slog.String("active_request_id", active))
	default:
		err := engine.Stop(s.ctx)
		if err != nil {
			s.logger.Warn("failed to stop speech engine", slogError(err))
		}
		result.Success = err == nil
		s.logger.Debug("cancelled speech", slog.String("request_id", active))
	}
	s.reply(msg, protocol.TypeCancelResult, result)
}

func (s *Server) reply(msg *nats.Msg, typ string, data any) {
	if msg.Reply == "" {
		return
	}
	payload, err := protocol.Encode(typ, data)
	if err != nil {
		s.logger.Warn("failed to encode speech response", slogError(err))
		return
	}
	if err := msg.Respond(payload); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to send speech response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
