// Package site holds the fixed set of chat site profiles and resolves the
// profile for a page URL.
package site

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/chatreader/internal/extract"
)

// Config describes how to find and read chat messages on one site.
type Config struct {
	ID          string
	Name        string
	URLPatterns []string
	// ContainerSelector scopes observation. Empty observes the document root.
	ContainerSelector string
	// LoadDetectionSelector, when set, must resolve inside the container
	// before observation starts.
	LoadDetectionSelector string
	MessageSelector       string
	// DedupeAttribute names an attribute carrying a stable message id.
	DedupeAttribute string
	Fields          []extract.Field
	TextFormat      string
	// PollingInterval overrides the URL poll interval when non-zero.
	PollingInterval time.Duration
}

// Matches reports whether url starts with one of the config's patterns.
func (c *Config) Matches(url string) bool {
	for _, pattern := range c.URLPatterns {
		if strings.HasPrefix(url, pattern) {
			return true
		}
	}
	return false
}

// IsTestPage reports whether url points at the bundled chat test page.
func IsTestPage(url string) bool {
	return strings.HasPrefix(url, "chrome-extension:") && strings.Contains(url, "/chat-test.html")
}

// Registry is an ordered set of site configs.
type Registry struct {
	mu      sync.RWMutex
	configs []*Config
}

func NewRegistry(configs ...*Config) *Registry {
	r := &Registry{}
	for _, c := range configs {
		r.Register(c)
	}
	return r
}

// Register appends c. Lookup order is registration order.
func (r *Registry) Register(c *Config) {
	r.mu.Lock()
	r.configs = append(r.configs, c)
	r.mu.Unlock()
}

// FindByURL returns the first config with a pattern prefixing url. The test
// page resolves to the first registered config. It returns nil on a miss.
func (r *Registry) FindByURL(url string) *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if IsTestPage(url) && len(r.configs) > 0 {
		return r.configs[0]
	}
	for _, c := range r.configs {
		if c.Matches(url) {
			return c
		}
	}
	return nil
}

func (r *Registry) All() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, len(r.configs))
	copy(out, r.configs)
	return out
}

// Default returns a registry with the built-in profiles.
func Default() *Registry {
	return NewRegistry(YouTube(), Twitch())
}

func YouTube() *Config {
	return &Config{
		ID:                "youtube-live-chat",
		Name:              "YouTube Live Chat",
		URLPatterns:       []string{"https://www.youtube.com/live_chat", "https://studio.youtube.com/live_chat"},
		ContainerSelector: "#items",
		MessageSelector:   `yt-live-chat-text-message-renderer:not([author-type="owner"])`,
		DedupeAttribute:   "id",
		Fields: []extract.Field{
			{Name: "name", Selector: "#author-name"},
			{Name: "body", Selector: "#message"},
		},
		TextFormat: "%(name) %(body)",
	}
}

func Twitch() *Config {
	return &Config{
		ID:   "twitch-chat",
		Name: "Twitch Chat",
		URLPatterns: []string{
			"https://www.twitch.tv/popout/",
			"https://www.twitch.tv/",
			"https://dashboard.twitch.tv/",
		},
		ContainerSelector:     ".chat-scrollable-area__message-container",
		LoadDetectionSelector: ".chat-line__status",
		MessageSelector:       ".chat-line__message",
		Fields: []extract.Field{
			{Name: "name", Selector: ".chat-author__display-name"},
			{Name: "body", Selector: `[data-a-target="chat-line-message-body"]`},
		},
		TextFormat:      "%(name) %(body)",
		PollingInterval: 2 * time.Second,
	}
}
