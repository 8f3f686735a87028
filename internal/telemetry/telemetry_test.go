package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutEndpointIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "taskd"})
	require.NoError(t, err)
	assert.Nil(t, tel.tracerProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_RequiresServiceName(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true, Endpoint: "localhost:4317"})
	assert.Error(t, err)
}
