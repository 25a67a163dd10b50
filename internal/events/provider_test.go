package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tao-shen/candy-shop-sub000/internal/common/config"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/events/bus"
)

func TestProvide_MemoryWithoutURL(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	provided, cleanup, err := Provide(&config.Config{}, logger.FromZap(zap.New(core)))
	require.NoError(t, err)

	assert.Equal(t, KindMemory, provided.Kind())
	require.NotNil(t, provided.Memory)
	assert.Nil(t, provided.NATS)
	assert.True(t, provided.Bus.IsConnected())
	assert.Equal(t, 1, logs.FilterMessage("Chat notifications on in-memory bus").Len())

	require.NoError(t, cleanup())
	assert.False(t, provided.Bus.IsConnected())
}

func TestProvidedBus_Kind(t *testing.T) {
	assert.Equal(t, KindNATS, (&ProvidedBus{NATS: &bus.NATSEventBus{}}).Kind())
	assert.Equal(t, KindMemory, (&ProvidedBus{}).Kind())
}
