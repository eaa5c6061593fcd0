package habitkit

import (
	"context"
	"sync"
	"time"
)

// Prober checks whether the remote side is reachable. Implementations wrap
// a platform network-status API or probe a known endpoint.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// ConnectivityConfig configures the connectivity observer.
type ConnectivityConfig struct {
	// ProbeInterval is how often the prober is polled when one is set.
	// Default: 15s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe call. Default: 5s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// InitialOnline is the status assumed before the first probe.
	// Default: true.
	InitialOnline bool `yaml:"initial_online"`
}

// DefaultConnectivityConfig returns sensible defaults.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		InitialOnline: true,
	}
}

// ConnectivityObserver reports the current online/offline status and
// notifies listeners on transitions. The underlying platform signal may
// fire redundantly; listeners are invoked exactly once per actual state
// change.
type ConnectivityObserver struct {
	config ConnectivityConfig
	prober Prober

	online       bool
	listeners    map[int]func(bool)
	nextListener int

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewConnectivityObserver creates an observer with no prober attached.
// Status changes arrive through SetOnline until a prober is installed.
func NewConnectivityObserver(config ConnectivityConfig) *ConnectivityObserver {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectivityObserver{
		config:    config,
		online:    config.InitialOnline,
		listeners: make(map[int]func(bool)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetProber installs the reachability probe used by the polling loop.
func (o *ConnectivityObserver) SetProber(p Prober) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prober = p
}

// Online returns the current status.
func (o *ConnectivityObserver) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// AddListener registers a transition callback and returns an unsubscribe
// func. The callback receives the new status.
func (o *ConnectivityObserver) AddListener(fn func(online bool)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextListener++
	id := o.nextListener
	o.listeners[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

// SetOnline feeds a status report into the observer. Redundant reports of
// the current status are dropped; an actual transition notifies every
// listener once.
func (o *ConnectivityObserver) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	fns := make([]func(bool), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Start begins the background probe loop. A no-op without a prober or if
// already running.
func (o *ConnectivityObserver) Start() {
	o.mu.Lock()
	if o.running || o.prober == nil {
		o.mu.Unlock()
		return
	}
	o.running = true
	prober := o.prober
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(o.ctx, o.config.ProbeTimeout)
				online := prober.Probe(probeCtx)
				cancel()
				o.SetOnline(online)
			}
		}
	}()
}

// Stop gracefully shuts down the probe loop.
func (o *ConnectivityObserver) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}
