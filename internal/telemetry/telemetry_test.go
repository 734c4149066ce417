package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "ironpanel"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestCounterNeverNil(t *testing.T) {
	c := Counter(noop.NewMeterProvider().Meter("test"), "ironpanel.test.count", "test counter")
	require.NotNil(t, c)
	c.Add(context.Background(), 1)

	c = Counter(Meter("ironpanel/test"), "ironpanel.test.count", "test counter")
	require.NotNil(t, c)
	_, span := Tracer("ironpanel/test").Start(context.Background(), "op")
	span.End()
}
