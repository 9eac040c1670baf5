// Package health runs the per-backend active health prober (spec §4.5): for
// every backend that declares a health_check, a single long-lived task
// issues synthetic probes and drives an UNKNOWN/UP/DOWN state machine from
// consecutive success/failure counts. Task lifecycle tracks backend
// appearance/removal across route-set updates rather than running once at
// startup.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

// httpDoer is the subset of *http.Client the prober needs, so tests can
// substitute a fake transport without a real listener.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Prober owns one background goroutine per health-checked backend and the
// side table of BackendState keyed by Backend.Key().
type Prober struct {
	mu     sync.Mutex
	client httpDoer
	log    zerolog.Logger
	tasks  map[string]*probeTask

	// onProbe, when set, is called synchronously after every probe result is
	// applied. Tests use it to synchronize instead of sleeping.
	onProbe func(key string, st model.BackendState)
}

type probeTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	state model.BackendState
}

// NewProber builds a Prober. A nil client defaults to http.DefaultClient.
func NewProber(client httpDoer, log zerolog.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{
		client: client,
		log:    log,
		tasks:  make(map[string]*probeTask),
	}
}

// Sync reconciles the running probe tasks against the given backend list:
// it starts a task for every backend with a HealthCheck that doesn't
// already have one, and cancels+discards tasks for backends no longer
// present (spec §4.5 "the prober task is cancelled and its state
// discarded").
func (p *Prober) Sync(backends []model.Backend) {
	wanted := make(map[string]model.Backend, len(backends))
	for _, b := range backends {
		if b.HealthCheck == nil {
			continue
		}
		key := b.Key()
		if key == "" {
			continue
		}
		wanted[key] = b
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, b := range wanted {
		if _, ok := p.tasks[key]; ok {
			continue
		}
		p.startLocked(key, b)
	}

	for key, t := range p.tasks {
		if _, ok := wanted[key]; ok {
			continue
		}
		t.cancel()
		delete(p.tasks, key)
	}
}

func (p *Prober) startLocked(key string, b model.Backend) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &probeTask{
		cancel: cancel,
		done:   make(chan struct{}),
		state:  model.BackendState{Health: model.HealthUnknown},
	}
	p.tasks[key] = t
	go p.run(ctx, key, b, t)
}

// State returns the current BackendState for the given backend key.
// Backends without a configured health_check are never tracked here;
// callers should treat an unknown key as permanently healthy per spec
// ("If omitted, backend is treated as healthy permanently").
func (p *Prober) State(key string) (model.BackendState, bool) {
	p.mu.Lock()
	t, ok := p.tasks[key]
	p.mu.Unlock()
	if !ok {
		return model.BackendState{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, true
}

// States returns a snapshot of every tracked backend's state, for
// /health/detailed reporting.
func (p *Prober) States() map[string]model.BackendState {
	p.mu.Lock()
	keys := make([]string, 0, len(p.tasks))
	tasks := make([]*probeTask, 0, len(p.tasks))
	for k, t := range p.tasks {
		keys = append(keys, k)
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	out := make(map[string]model.BackendState, len(keys))
	for i, k := range keys {
		tasks[i].mu.RLock()
		out[k] = tasks[i].state
		tasks[i].mu.RUnlock()
	}
	return out
}

// Close stops every running probe task and waits for them to exit.
func (p *Prober) Close() {
	p.mu.Lock()
	tasks := make([]*probeTask, 0, len(p.tasks))
	for k, t := range p.tasks {
		t.cancel()
		tasks = append(tasks, t)
		delete(p.tasks, k)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		<-t.done
	}
}

func (p *Prober) run(ctx context.Context, key string, b model.Backend, t *probeTask) {
	defer close(t.done)

	hc := b.HealthCheck
	interval := time.Duration(hc.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.probeOnce(ctx, key, b, t)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, key string, b model.Backend, t *probeTask) {
	hc := b.HealthCheck
	timeout := time.Duration(hc.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	success := p.doProbe(probeCtx, b.URL.String()+hc.Path, hc)

	t.mu.Lock()
	t.state = applyProbeResult(t.state, success, hc.HealthyThreshold, hc.UnhealthyThreshold)
	st := t.state
	t.mu.Unlock()

	if p.log.GetLevel() <= zerolog.DebugLevel {
		p.log.Debug().Str("backend", key).Bool("success", success).Str("health", st.Health.String()).Msg("health probe")
	}
	if p.onProbe != nil {
		p.onProbe(key, st)
	}
}

func (p *Prober) doProbe(ctx context.Context, target string, hc *model.HealthCheck) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	for k, v := range hc.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return hc.ExpectedStatus[resp.StatusCode]
}

// applyProbeResult is the pure state-machine step from spec §4.5, factored
// out so the transition logic can be tested without goroutines or a clock.
func applyProbeResult(prev model.BackendState, success bool, healthyThreshold, unhealthyThreshold int) model.BackendState {
	next := prev
	next.LastProbeAt = time.Now()

	if success {
		next.ConsecutiveSuccess++
		next.ConsecutiveFailure = 0
		if next.Health != model.HealthUp && next.ConsecutiveSuccess >= healthyThreshold {
			next.Health = model.HealthUp
		}
		return next
	}

	next.ConsecutiveFailure++
	next.ConsecutiveSuccess = 0
	if next.Health != model.HealthDown && next.ConsecutiveFailure >= unhealthyThreshold {
		next.Health = model.HealthDown
	}
	return next
}
