package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/testutil"
	"github.com/0xmhha/orchestrator-go/types"
)

func testBlockEvent() types.BlockEvent {
	return types.BlockEvent{
		Network: "ethereum-mainnet",
		Block:   testutil.NewTestBlock("ethereum-mainnet", 1),
	}
}

func validRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Enabled:      true,
		Brokers:      []string{"localhost:9092"},
		Topic:        "orchestrator.blocks",
		GroupID:      "orchestrator-workers",
		RequiredAcks: -1,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func TestNewPublisherValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.RelayConfig)
	}{
		{"no brokers", func(c *config.RelayConfig) { c.Brokers = nil }},
		{"no topic", func(c *config.RelayConfig) { c.Topic = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validRelayConfig()
			tt.mutate(&cfg)
			if _, err := NewPublisher(cfg, testutil.NewTestLogger(t)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPublisherClose(t *testing.T) {
	p, err := NewPublisher(validRelayConfig(), testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	err = p.Publish(context.Background(), testBlockEvent())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestNewSourceValidation(t *testing.T) {
	cfg := validRelayConfig()
	cfg.Brokers = nil
	if _, err := NewSource(cfg, 16, testutil.NewTestLogger(t)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSourceLocalSubscriptions(t *testing.T) {
	s, err := NewSource(validRelayConfig(), 16, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	defer s.Close()

	sub, err := s.Subscribe("ethereum-mainnet", "worker-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The source re-broadcasts relayed blocks to local subscribers.
	block := testutil.NewTestBlock("ethereum-mainnet", 42)
	s.broadcaster.Publish(block)

	select {
	case event := <-sub.Channel:
		if event.Block.Number != 42 {
			t.Errorf("got block %d, want 42", event.Block.Number)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed block")
	}

	s.Unsubscribe("ethereum-mainnet", "worker-1")
	if _, ok := <-sub.Channel; ok {
		t.Error("expected channel closed after unsubscribe")
	}
}
