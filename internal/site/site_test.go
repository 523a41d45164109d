package site

import "testing"

func TestFindByURL(t *testing.T) {
	r := Default()
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/live_chat/watch?v=abc123", "YouTube Live Chat"},
		{"https://studio.youtube.com/live_chat?channelId=abc123", "YouTube Live Chat"},
		{"chrome-extension://abc123/options/chat-test.html", "YouTube Live Chat"},
		{"https://www.twitch.tv/popout/somechannel/chat", "Twitch Chat"},
		{"https://www.twitch.tv/somechannel", "Twitch Chat"},
		{"", ""},
		{"https://example.com/some-page", ""},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", ""},
		{"chrome-extension://abc123/options/index.html", ""},
	}
	for _, tc := range cases {
		cfg := r.FindByURL(tc.url)
		switch {
		case tc.want == "" && cfg != nil:
			t.Fatalf("%q: expected no config, got %s", tc.url, cfg.Name)
		case tc.want != "" && (cfg == nil || cfg.Name != tc.want):
			t.Fatalf("%q: expected %s, got %+v", tc.url, tc.want, cfg)
		}
	}
}

func TestFirstRegisteredWins(t *testing.T) {
	broad := &Config{ID: "broad", URLPatterns: []string{"https://chat.example/"}}
	narrow := &Config{ID: "narrow", URLPatterns: []string{"https://chat.example/room/"}}
	r := NewRegistry(broad, narrow)

	if got := r.FindByURL("https://chat.example/room/1"); got.ID != "broad" {
		t.Fatalf("expected registration order to win, got %s", got.ID)
	}
	if got := r.FindByURL("chrome-extension://x/chat-test.html"); got.ID != "broad" {
		t.Fatalf("expected test page to resolve to first config, got %s", got.ID)
	}
}

func TestEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	if r.FindByURL("chrome-extension://x/chat-test.html") != nil {
		t.Fatal("expected nil from empty registry")
	}
	if len(r.All()) != 0 {
		t.Fatal("expected no configs")
	}
}
