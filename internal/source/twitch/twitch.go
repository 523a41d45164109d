// Package twitch mirrors a Twitch channel's IRC chat into a document laid out
// like the Twitch popout chat, so the monitor can read it with the built-in
// Twitch site profile.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	irc "github.com/gempir/go-twitch-irc/v4"
	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/dom"
	"golang.org/x/net/html"
)

// MaxMessages is how many chat lines the mirror keeps.
const MaxMessages = 150

const (
	containerSelector = ".chat-scrollable-area__message-container"
	messageSelector   = ".chat-line__message"
)

const markup = `<!DOCTYPE html>
<html><head><title>Twitch chat</title></head>
<body><div class="chat-room"><div class="chat-scrollable-area__message-container" role="log"></div></div></body></html>`

// Mirror appends every PRIVMSG on one channel to its document.
type Mirror struct {
	cfg       config.TwitchConfig
	doc       *dom.HTMLDocument
	container dom.Element
	client    *irc.Client
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
}

// URL returns the popout chat URL for channel.
func URL(channel string) string {
	return fmt.Sprintf("https://www.twitch.tv/popout/%s/chat", strings.ToLower(channel))
}

func New(cfg config.TwitchConfig, log *slog.Logger) (*Mirror, error) {
	if cfg.Channel == "" {
		return nil, errors.New("twitch channel must be set")
	}
	doc, err := dom.NewHTMLDocument(URL(cfg.Channel), markup)
	if err != nil {
		return nil, err
	}
	container := doc.QuerySelector(containerSelector)
	if container == nil {
		return nil, errors.New("twitch mirror has no message container")
	}

	var client *irc.Client
	if cfg.Username != "" && cfg.OAuthToken != "" {
		client = irc.NewClient(cfg.Username, cfg.OAuthToken)
	} else {
		client = irc.NewAnonymousClient()
	}

	m := &Mirror{
		cfg:       cfg,
		doc:       doc,
		container: container,
		client:    client,
		logger:    log.With(slog.String("component", "twitch-mirror"), slog.String("channel", cfg.Channel)),
	}
	client.OnConnect(m.handleConnect)
	client.OnPrivateMessage(func(msg irc.PrivateMessage) {
		if err := m.HandleMessage(msg); err != nil {
			m.logger.Warn("failed to mirror chat message", slog.String("error", err.Error()))
		}
	})
	return m, nil
}

func (m *Mirror) Document() *dom.HTMLDocument { return m.doc }

// Run connects and mirrors chat until ctx ends or the connection fails.
func (m *Mirror) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = m.client.Disconnect() })
	defer stop()

	m.client.Join(strings.ToLower(m.cfg.Channel))
	err := m.client.Connect()
	if ctx.Err() != nil || errors.Is(err, irc.ErrClientDisconnected) {
		return nil
	}
	return fmt.Errorf("twitch chat: %w", err)
}

// handleConnect adds the room status line the Twitch profile waits for.
func (m *Mirror) handleConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return
	}
	m.connected = true
	if _, err := m.doc.AppendHTML(m.container, `<div class="chat-line__status" data-a-target="chat-welcome-message">Welcome to the chat room!</div>`); err != nil {
		m.logger.Warn("failed to add status line", slog.String("error", err.Error()))
		return
	}
	m.logger.Info("connected to twitch chat")
}

// HandleMessage appends msg as a chat line and trims the oldest lines.
func (m *Mirror) HandleMessage(msg irc.PrivateMessage) error {
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	line := fmt.Sprintf(`<div class="chat-line__message" data-a-target="chat-line-message" data-message-id="%s"><span class="chat-author__display-name">%s</span><span aria-hidden="true">: </span><span data-a-target="chat-line-message-body">%s</span></div>`,
		html.EscapeString(msg.ID), html.EscapeString(name), html.EscapeString(msg.Message))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.doc.AppendHTML(m.container, line); err != nil {
		return err
	}
	lines := m.container.QuerySelectorAll(messageSelector)
	for i := 0; i < len(lines)-MaxMessages; i++ {
		if err := m.doc.Remove(lines[i]); err != nil {
			return err
		}
	}
	return nil
}
