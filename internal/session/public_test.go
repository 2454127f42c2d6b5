package session

import (
	"context"
	"testing"
	"time"

	"gridflow/models"
)

func TestPublicSessionSubscribesOnlyConfiguredChannels(t *testing.T) {
	_, wsURL, frames := wsServer(t)

	s := NewPublicSession(PublicConfig{
		URL:      wsURL,
		Symbol:   "BTC/USD",
		Channels: []string{models.ChannelBook},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if f := waitRequest(t, frames, models.MethodSubscribe); f.Params.Channel != models.ChannelBook {
		t.Fatalf("subscribed channel = %q, want book", f.Params.Channel)
	}

	// No further subscriptions: a channel nobody listens to must not be
	// ordered from the exchange.
	select {
	case f := <-frames:
		if f.Method == models.MethodSubscribe {
			t.Fatalf("unexpected extra subscription for %q", f.Params.Channel)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublicSessionChannelDefaults(t *testing.T) {
	s := NewPublicSession(PublicConfig{URL: "ws://unused", Symbol: "BTC/USD"})
	if len(s.cfg.Channels) != 2 || s.cfg.Channels[0] != models.ChannelBook || s.cfg.Channels[1] != models.ChannelTrade {
		t.Fatalf("default channels = %v, want book and trade", s.cfg.Channels)
	}
	if s.cfg.BookDepth != 10 {
		t.Fatalf("default book depth = %d, want 10", s.cfg.BookDepth)
	}
}
