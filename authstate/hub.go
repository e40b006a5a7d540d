package authstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/pkce"
	"github.com/palminsight/palminsight/provider"
	"github.com/palminsight/palminsight/storage"
	"go.uber.org/zap"
)

// Device bundles everything that acts on one device's storage.
type Device struct {
	ID      string
	Client  provider.Client
	Repo    *pkce.Repository
	Machine *flow.Machine
	Store   *Store

	lastUsed time.Time
}

// DeviceConfig is shared by every device of a process.
type DeviceConfig struct {
	RepositoryOptions []pkce.RepositoryOption
	MachineOptions    []flow.MachineOption
	Logger            *zap.Logger
}

// NewDevice wires a device over store.
func NewDevice(id string, store storage.Store, factory provider.Factory, cfg DeviceConfig) (*Device, error) {
	client, err := factory(store)
	if err != nil {
		return nil, fmt.Errorf("provider client: %w", err)
	}
	log := logger.OrGlobal(cfg.Logger)
	repo := pkce.NewRepository(store, append([]pkce.RepositoryOption{pkce.WithLogger(log)}, cfg.RepositoryOptions...)...)
	mopts := append([]flow.MachineOption{flow.WithMachineLogger(log)}, cfg.MachineOptions...)
	return &Device{
		ID:      id,
		Client:  client,
		Repo:    repo,
		Machine: flow.NewMachine(client, repo, mopts...),
		Store:   NewStore(client, repo, log),
	}, nil
}

// Hub keeps one Device per device ID over a shared storage backend.
type Hub struct {
	backend storage.Store
	factory provider.Factory
	cfg     DeviceConfig
	idleTTL time.Duration
	now     func() time.Time
	log     *zap.Logger

	mu      sync.Mutex
	devices map[string]*Device
}

type HubOption func(*Hub)

// WithIdleTTL sets how long an unobserved device stays in memory.
func WithIdleTTL(d time.Duration) HubOption {
	return func(h *Hub) { h.idleTTL = d }
}

func WithDeviceConfig(cfg DeviceConfig) HubOption {
	return func(h *Hub) { h.cfg = cfg }
}

func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(backend storage.Store, factory provider.Factory, opts ...HubOption) *Hub {
	h := &Hub{
		backend: backend,
		factory: factory,
		idleTTL: 30 * time.Minute,
		now:     time.Now,
		devices: make(map[string]*Device),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logger.OrGlobal(h.cfg.Logger).Named("hub")
	return h
}

// DeviceNamespace is the storage namespace of a device.
func DeviceNamespace(id string) string {
	return "device:" + id
}

// Device returns the device for id, creating it on first use.
func (h *Hub) Device(id string) (*Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.devices[id]; ok {
		d.lastUsed = h.now()
		return d, nil
	}
	d, err := NewDevice(id, storage.Namespace(h.backend, DeviceNamespace(id)), h.factory, h.cfg)
	if err != nil {
		return nil, err
	}
	d.lastUsed = h.now()
	h.devices[id] = d
	return d, nil
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices)
}

// Sweep drops devices idle for longer than the idle TTL that have no
// subscribers. Their persisted state stays in the backend.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-h.idleTTL)
	n := 0
	for id, d := range h.devices {
		if d.lastUsed.Before(cutoff) && d.Store.Subscribers() == 0 {
			d.Store.Close()
			delete(h.devices, id)
			n++
		}
	}
	if n > 0 {
		h.log.Debug("Evicted idle devices", zap.Int("count", n))
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := h.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.Sweep()
		}
	}
}
