package notify

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishCampaignDistributedDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ch, err := bus.SubscribeCampaignDistributed(ctx)
	if err != nil {
		t.Fatalf("SubscribeCampaignDistributed: %v", err)
	}

	if err := bus.PublishCampaignDistributed(ctx, "camp-1"); err != nil {
		t.Fatalf("PublishCampaignDistributed: %v", err)
	}

	select {
	case got := <-ch:
		if got != "camp-1" {
			t.Fatalf("got campaign id %q, want %q", got, "camp-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published campaign notification")
	}
}

func TestSubscribeChannelClosesWhenContextCancelled(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	ch, err := bus.SubscribeCampaignDistributed(ctx)
	if err != nil {
		t.Fatalf("SubscribeCampaignDistributed: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected the notification channel to close after context cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the channel to close")
	}
}
