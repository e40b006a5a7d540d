package authstate

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFactory(store storage.Store) (provider.Client, error) {
	return &fakeClient{}, nil
}

func TestHub_DeviceIsCachedAndIsolated(t *testing.T) {
	backend := storage.NewMemory()
	h := NewHub(backend, fakeFactory)
	ctx := context.Background()

	a, err := h.Device("a")
	require.NoError(t, err)
	again, err := h.Device("a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := h.Device("b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, h.Len())

	require.NoError(t, a.Repo.StoreVerifier(ctx, "verifier-a"))
	_, ok := b.Repo.ResolveVerifier(ctx)
	assert.False(t, ok, "devices must not share verifiers")

	raw, err := backend.Get(ctx, "device:a:"+pkce.KeyPrimary)
	require.NoError(t, err)
	assert.Equal(t, "verifier-a", raw)
}

func TestHub_SweepEvictsIdleDevices(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := storage.NewMemory()
	h := NewHub(backend, fakeFactory, WithIdleTTL(time.Minute), WithHubClock(func() time.Time { return now }))
	ctx := context.Background()

	idle, err := h.Device("idle")
	require.NoError(t, err)
	require.NoError(t, idle.Repo.StoreVerifier(ctx, "kept"))

	watched, err := h.Device("watched")
	require.NoError(t, err)
	unsubscribe := watched.Store.Subscribe(func(State) {})

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, h.Sweep())
	assert.Equal(t, 1, h.Len())

	// Persisted state outlives the in-memory device.
	fresh, err := h.Device("idle")
	require.NoError(t, err)
	assert.NotSame(t, idle, fresh)
	v, ok := fresh.Repo.ResolveVerifier(ctx)
	assert.True(t, ok)
	assert.Equal(t, "kept", v)

	unsubscribe()
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, h.Sweep())
	assert.Zero(t, h.Len())
}

func TestHub_DeviceConfigReachesMachine(t *testing.T) {
	h := NewHub(storage.NewMemory(), fakeFactory, WithDeviceConfig(DeviceConfig{
		MachineOptions: []flow.MachineOption{
			flow.WithFreshVerifierFallback(false),
			flow.WithRoutes(flow.Routes{Dashboard: "/home", ResetPassword: "/reset", Login: "/signin"}),
		},
	}))
	d, err := h.Device("x")
	require.NoError(t, err)

	u, _ := url.Parse("http://app/?code=ABC")
	out := d.Machine.Run(context.Background(), u)
	assert.Equal(t, flow.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, pkce.ErrVerifierMissing)
}

func TestHub_RunStopsWithContext(t *testing.T) {
	h := NewHub(storage.NewMemory(), fakeFactory, WithIdleTTL(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
