package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/chatreader/internal/bus"
	"github.com/loqalabs/chatreader/internal/protocol"
	"github.com/nats-io/nats.go"
)

// PublishChanges announces every local write on the settings.changed subject.
// Publish failures are logged and do not fail the write.
func (s *Settings) PublishChanges(busClient *bus.Client, source string) {
	s.setNotifier(func(key string) {
		if err := PublishChanged(busClient, key, source, s.clock()); err != nil {
			s.log.Warn("failed to publish settings change", slog.String("key", key), slog.String("error", err.Error()))
		}
	})
}

// PublishChanged sends one settings.changed notification.
func PublishChanged(busClient *bus.Client, key, source string, at time.Time) error {
	data, err := json.Marshal(protocol.SettingsChanged{Key: key, Source: source, Timestamp: at.UTC()})
	if err != nil {
		return err
	}
	return busClient.Publish(protocol.SubjectSettingsChanged, data)
}

// FollowChanges refreshes the named key whenever another process announces a
// change. Notifications from source itself are ignored.
func (s *Settings) FollowChanges(ctx context.Context, busClient *bus.Client, source string) (*nats.Subscription, error) {
	return busClient.Subscribe(protocol.SubjectSettingsChanged, func(msg *nats.Msg) {
		var change protocol.SettingsChanged
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			s.log.Warn("failed to decode settings change", slog.String("error", err.Error()))
			return
		}
		if change.Source == source {
			return
		}
		if err := s.Refresh(ctx, change.Key); err != nil {
			s.log.Warn("failed to refresh setting", slog.String("key", change.Key), slog.String("error", err.Error()))
			return
		}
		s.log.Debug("setting refreshed", slog.String("key", change.Key), slog.String("source", change.Source))
	})
}
