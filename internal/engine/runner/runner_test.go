// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
)

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	reg := DefaultRegistry()
	for _, kind := range models.AllStepKinds {
		rn, err := reg.Get(kind)
		require.NoError(t, err, "kind %s must have a runner", kind)
		require.NotNil(t, rn)
	}

	_, err := reg.Get(models.StepKind("teleport"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidStepConfig, fault.CodeOf(err))
}

func TestRegistryReplacesBindings(t *testing.T) {
	reg := NewRegistry()
	first := &inputRunner{}
	second := &outputRunner{}
	reg.Register(models.StepKindInput, first)
	reg.Register(models.StepKindInput, second)

	got, err := reg.Get(models.StepKindInput)
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestRequestPortPrecedence(t *testing.T) {
	req := Request{
		Config: map[string]any{"url": "https://config.example", "method": "POST"},
		Inputs: map[string]any{"url": "https://wired.example"},
	}

	v, ok := req.port("url")
	require.True(t, ok)
	assert.Equal(t, "https://wired.example", v, "connection-bound inputs win over config literals")

	v, ok = req.port("method")
	require.True(t, ok)
	assert.Equal(t, "POST", v, "config literals back-fill unbound ports")

	_, ok = req.port("body")
	assert.False(t, ok)
}

func TestRequestStringPort(t *testing.T) {
	req := Request{Inputs: map[string]any{
		"count": float64(3),
		"flag":  true,
		"blob":  map[string]any{"a": float64(1)},
		"empty": nil,
	}}

	assert.Equal(t, "3", req.stringPort("count"))
	assert.Equal(t, "true", req.stringPort("flag"))
	assert.Equal(t, `{"a":1}`, req.stringPort("blob"))
	assert.Equal(t, "", req.stringPort("empty"))
	assert.Equal(t, "", req.stringPort("missing"))
}

func TestSystemClockSleep(t *testing.T) {
	clock := SystemClock()

	start := time.Now()
	require.NoError(t, clock.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := clock.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
