package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{ServiceName: "michi", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	// Instrumentation must still be usable against the no-op providers.
	_, span := Tracer("michi/test").Start(context.Background(), "noop")
	span.End()
	c, err := Meter("michi/test").Int64Counter("michi.test")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(2).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
	assert.Contains(t, Sampler(0.5).Description(), "ParentBased")
}
