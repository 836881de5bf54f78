package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/models"
)

func TestInvokeInprocSuccess(t *testing.T) {
	inv := New(nil, nil, nil)
	inv.RegisterInproc("local", func(ctx context.Context, intent models.IntentName, params map[string]any) (Response, error) {
		return Response{Success: true, Payload: "ok"}, nil
	})

	d := models.ServiceDescriptor{Name: "local", Transport: models.TransportInproc}
	resp, err := inv.Invoke(context.Background(), d, models.IntentPlayMusic, nil, time.Time{}, nil)

	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Payload)
}

func TestInvokeMQTTUnconfigured(t *testing.T) {
	inv := New(nil, nil, nil)
	d := models.ServiceDescriptor{Name: "iot", Transport: models.TransportMQTT}

	_, err := inv.Invoke(context.Background(), d, models.IntentGPIOControl, nil, time.Time{}, nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrTransportError, models.KindOf(err))
}

func TestInvokeCancelledBeforeStart(t *testing.T) {
	inv := New(nil, nil, nil)
	cancel := make(chan struct{})
	close(cancel)

	d := models.ServiceDescriptor{Name: "local", Transport: models.TransportInproc}
	_, err := inv.Invoke(context.Background(), d, models.IntentPlayMusic, nil, time.Time{}, cancel)

	require.Error(t, err)
	assert.Equal(t, models.ErrCancelled, models.KindOf(err))
}

func TestInvokeServiceErrorNotRetried(t *testing.T) {
	inv := New(nil, nil, nil)
	inv.RegisterInproc("local", func(ctx context.Context, intent models.IntentName, params map[string]any) (Response, error) {
		return Response{Success: false, Error: "bad params"}, nil
	})
	d := models.ServiceDescriptor{Name: "local", Transport: models.TransportInproc}

	_, err := inv.Invoke(context.Background(), d, models.IntentPlayMusic, nil, time.Time{}, nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrServiceError, models.KindOf(err))
}

func TestInvokeUnknownTransport(t *testing.T) {
	inv := New(nil, nil, nil)
	d := models.ServiceDescriptor{Name: "x", Transport: "carrier-pigeon"}

	_, err := inv.Invoke(context.Background(), d, models.IntentPlayMusic, nil, time.Time{}, nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrTransportError, models.KindOf(err))
}
