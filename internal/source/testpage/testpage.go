// Package testpage hosts a YouTube-shaped chat page that posts simulated
// messages, for exercising the monitor without a live stream.
package testpage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/chatreader/internal/config"
	"github.com/loqalabs/chatreader/internal/dom"
	"golang.org/x/net/html"
)

// URL is where the page lives; the site registry treats it as a test page.
const URL = "chrome-extension://chatreader/options/chat-test.html"

const DefaultMaxMessages = 20

const markup = `<!DOCTYPE html>
<html><head><title>Chat test</title></head>
<body><div id="chat"><div id="items"></div></div></body></html>`

var (
	randomMessages = []string{"Hello", "Hi", "Well played", "こんにちは", "ありがとう", "おつかれさまでした", "ナイス！", "😄"}
	randomNames    = []string{"Donut", "Choco", "タルト", "クレープ"}
)

// Page is the test chat document plus its message generator.
type Page struct {
	doc      *dom.HTMLDocument
	items    dom.Element
	max      int
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	counter int
}

func New(cfg config.TestPageConfig, log *slog.Logger) (*Page, error) {
	doc, err := dom.NewHTMLDocument(URL, markup)
	if err != nil {
		return nil, err
	}
	items := doc.QuerySelector("#items")
	if items == nil {
		return nil, errors.New("test page has no #items container")
	}
	limit := cfg.MaxMessages
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	return &Page{
		doc:      doc,
		items:    items,
		max:      limit,
		interval: time.Duration(cfg.AutoPostMS) * time.Millisecond,
		logger:   log.With(slog.String("component", "chat-test-page")),
	}, nil
}

func (p *Page) Document() *dom.HTMLDocument { return p.doc }

// Post appends one message. Messages without a name or with a blank body
// are ignored and reported as not posted.
func (p *Page) Post(name, body string) (bool, error) {
	if name == "" || strings.TrimSpace(body) == "" {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	el := fmt.Sprintf(`<yt-live-chat-text-message-renderer id="%d"><yt-live-chat-author-chip id="author-name">%s</yt-live-chat-author-chip><yt-formatted-string id="message">%s</yt-formatted-string></yt-live-chat-text-message-renderer>`,
		p.counter, html.EscapeString(name), html.EscapeString(body))
	if _, err := p.doc.AppendHTML(p.items, el); err != nil {
		return false, err
	}

	messages := p.items.QuerySelectorAll("yt-live-chat-text-message-renderer")
	for i := 0; i < len(messages)-p.max; i++ {
		if err := p.doc.Remove(messages[i]); err != nil {
			return true, err
		}
	}
	p.logger.Debug("message added", slog.String("name", name), slog.String("body", body))
	return true, nil
}

func (p *Page) PostRandom() error {
	_, err := p.Post(randomNames[rand.IntN(len(randomNames))], randomMessages[rand.IntN(len(randomMessages))])
	return err
}

// Clear removes every message. Ids keep increasing so the monitor does not
// mistake new messages for ones it already read.
func (p *Page) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.items.QuerySelectorAll("yt-live-chat-text-message-renderer") {
		if err := p.doc.Remove(el); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of messages on the page.
func (p *Page) Count() int {
	return len(p.items.QuerySelectorAll("yt-live-chat-text-message-renderer"))
}

// Run posts a random message every interval until ctx ends. A zero interval
// disables automatic posting.
func (p *Page) Run(ctx context.Context) error {
	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	p.logger.Info("auto posting test messages", slog.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PostRandom(); err != nil {
				p.logger.Warn("failed to post test message", slog.String("error", err.Error()))
			}
		}
	}
}
