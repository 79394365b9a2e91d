package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResilientProvider_Complete(t *testing.T) {
	provider := ProviderFunc(func(ctx context.Context, prompt string) (string, error) {
		return "answer", nil
	})

	p := NewResilientProvider(provider, nil, DefaultResilientConfig(), zap.NewNop())
	out, err := p.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
}

func TestResilientProvider_Timeout(t *testing.T) {
	provider := ProviderFunc(func(ctx context.Context, prompt string) (string, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	cfg := DefaultResilientConfig()
	cfg.Timeout = 10 * time.Millisecond

	p := NewResilientProvider(provider, nil, cfg, zap.NewNop())
	_, err := p.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResilientProvider_NoProviderConfigured(t *testing.T) {
	p := NewResilientProvider(nil, nil, DefaultResilientConfig(), zap.NewNop())

	_, err := p.Complete(context.Background(), "prompt")
	assert.Error(t, err)

	_, err = p.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestResilientProvider_CanceledContextStopsRateWait(t *testing.T) {
	cfg := DefaultResilientConfig()
	cfg.RateLimit = 0.001 // effectively blocks after burst
	cfg.RateBurst = 0

	p := NewResilientProvider(ProviderFunc(func(ctx context.Context, prompt string) (string, error) {
		return "x", nil
	}), nil, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Complete(ctx, "prompt")
	assert.Error(t, err)
}
