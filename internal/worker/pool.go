package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tilecraft/tileserv/internal/generator"
	"github.com/tilecraft/tileserv/internal/resilience"
	"github.com/tilecraft/tileserv/internal/tile"
)

// ErrNoWorkers is returned when dispatch finds no ready slot.
var ErrNoWorkers = eris.New("worker: no ready workers")

// ErrReloadInProgress is returned when a rolling reload is requested while
// one is already running.
var ErrReloadInProgress = eris.New("worker: reload already in progress")

// Config configures the pool.
type Config struct {
	// Backend selects the child runtime (the config document's type).
	Backend string
	// Processes is the steady-state number of slots.
	Processes int
	// RequestTimeout is the per-dispatch budget (timeout_worker_response).
	RequestTimeout time.Duration
	// StartupWindow bounds how long a child may take to probe ready.
	StartupWindow time.Duration
	// DrainInterval and DrainAttempts bound the rolling-reload drain wait
	// per worker (reload_repeat_minutes × reload_repeat_attempts).
	DrainInterval time.Duration
	DrainAttempts int

	// launch overrides process spawning in tests.
	launch launcher
	// probeInterval overrides the readiness poll cadence in tests.
	probeInterval time.Duration
}

// Pool supervises the worker slots and implements generator.Generator.
type Pool struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	slots []*slot
	rr    int

	reloadMu  sync.Mutex
	reloading bool

	// respawn bounds crash-respawn churn.
	respawn *rate.Limiter

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       *zap.Logger
}

// NewPool creates the pool without spawning anything; call Start.
func NewPool(cfg Config) *Pool {
	if cfg.launch == nil {
		cfg.launch = &execLauncher{backend: cfg.Backend}
	}
	if cfg.StartupWindow <= 0 {
		cfg.StartupWindow = 30 * time.Second
	}
	if cfg.probeInterval <= 0 {
		cfg.probeInterval = 250 * time.Millisecond
	}
	return &Pool{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		respawn: rate.NewLimiter(rate.Every(2*time.Second), 3),
		closed:  make(chan struct{}),
		log:     zap.L().With(zap.String("component", "worker.pool")),
	}
}

// Start spawns the configured number of slots and waits for readiness.
func (p *Pool) Start(ctx context.Context) error {
	return p.AddWorkers(ctx, p.cfg.Processes)
}

// AddWorkers grows the pool by n. New slots join routing only once ready.
func (p *Pool) AddWorkers(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		s, err := p.spawn(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.slots = append(p.slots, s)
		p.mu.Unlock()
	}
	return nil
}

// spawn launches one child, probes it ready within the startup window, and
// starts its supervisor.
func (p *Pool) spawn(ctx context.Context) (*slot, error) {
	addr, err := freeLoopbackAddr()
	if err != nil {
		return nil, eris.Wrap(err, "worker: reserve port")
	}

	proc, err := p.cfg.launch.Launch(ctx, addr)
	if err != nil {
		return nil, eris.Wrap(err, "worker: launch child")
	}

	s := &slot{proc: proc, addr: addr}
	s.setState(StateStarting)

	if err := p.probeReady(ctx, s); err != nil {
		_ = proc.Stop(false)
		return nil, err
	}
	s.setState(StateReady)
	p.log.Info("worker ready", zap.Int("pid", proc.PID()), zap.String("addr", addr))

	p.wg.Add(1)
	go p.supervise(s)
	return s, nil
}

// probeReady polls the child's loopback health endpoint until it answers or
// the startup window elapses.
func (p *Pool) probeReady(ctx context.Context, s *slot) error {
	deadline := time.Now().Add(p.cfg.StartupWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return eris.New("worker: pool closed")
		default:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("http://%s/health", s.addr), nil)
		if err != nil {
			return eris.Wrap(err, "worker: build probe")
		}
		resp, err := p.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(p.cfg.probeInterval)
	}
	return eris.Errorf("worker: child at %s not ready within %s", s.addr, p.cfg.StartupWindow)
}

// supervise waits for the child to exit. An unexpected exit fails the slot's
// in-flight work and respawns a replacement child into the same slot under
// the respawn limiter.
func (p *Pool) supervise(s *slot) {
	defer p.wg.Done()

	for {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc == nil {
			return
		}

		err := proc.Wait()

		s.mu.Lock()
		replaced := s.proc != proc
		s.mu.Unlock()
		if replaced || s.getState() == StateExited {
			return // reload or teardown owns the slot now
		}

		p.log.Warn("worker exited unexpectedly",
			zap.Int("pid", proc.PID()),
			zap.Error(err),
		)
		s.setState(StateStarting)

		select {
		case <-p.closed:
			return
		default:
		}
		if err := p.respawn.Wait(context.Background()); err != nil {
			return
		}

		addr, aerr := freeLoopbackAddr()
		if aerr != nil {
			p.log.Error("worker respawn failed", zap.Error(aerr))
			s.setState(StateExited)
			return
		}
		replacement, lerr := p.cfg.launch.Launch(context.Background(), addr)
		if lerr != nil {
			p.log.Error("worker respawn failed", zap.Error(lerr))
			s.setState(StateExited)
			return
		}

		s.mu.Lock()
		s.proc = replacement
		s.addr = addr
		s.mu.Unlock()

		if perr := p.probeReady(context.Background(), s); perr != nil {
			p.log.Error("respawned worker never became ready", zap.Error(perr))
			_ = replacement.Stop(false)
			continue // supervise loop retries under the limiter
		}
		s.setState(StateReady)
		p.log.Info("worker respawned", zap.Int("pid", replacement.PID()), zap.String("addr", addr))
	}
}

// pick selects the ready slot with the least in-flight requests, breaking
// ties round-robin.
func (p *Pool) pick() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *slot
	bestLoad := int64(-1)
	n := len(p.slots)
	for i := 0; i < n; i++ {
		s := p.slots[(p.rr+i)%n]
		if s.getState() != StateReady {
			continue
		}
		load := s.inFlight.Load()
		if best == nil || load < bestLoad {
			best = s
			bestLoad = load
		}
	}
	p.rr = (p.rr + 1) % max(n, 1)
	return best
}

// Generate implements generator.Generator by forwarding the coordinate to a
// worker child over loopback HTTP.
func (p *Pool) Generate(ctx context.Context, coord tile.Coord) (generator.Result, error) {
	s := p.pick()
	if s == nil {
		return generator.Result{}, ErrNoWorkers
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()

	url := fmt.Sprintf("http://%s/api/tile/%s/%d/%d/%d.%s",
		addr, coord.DatasourceID, coord.Z, coord.X, coord.Y, coord.Ext)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return generator.Result{}, eris.Wrap(err, "worker: build request")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return generator.Result{}, generator.ErrTimeout
		}
		if s.getState() != StateReady || resilience.IsTransient(err) {
			return generator.Result{}, eris.Wrap(generator.ErrWorkerCrash, err.Error())
		}
		return generator.Result{}, eris.Wrap(generator.ErrWorker, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return generator.Result{Status: generator.Empty}, nil
	case resp.StatusCode == http.StatusOK:
		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return generator.Result{}, eris.Wrap(generator.ErrWorker, rerr.Error())
		}
		return generator.Result{Status: generator.Present, Bytes: data}, nil
	default:
		return generator.Result{}, eris.Wrapf(generator.ErrWorker, "status %d", resp.StatusCode)
	}
}

// ReloadAll performs a rolling reload: each slot in turn is drained, its
// child replaced, and its generation incremented. A concurrent reload is
// rejected. A slot that cannot drain within the budget keeps its old child
// and the reload moves on.
func (p *Pool) ReloadAll(ctx context.Context) error {
	p.reloadMu.Lock()
	if p.reloading {
		p.reloadMu.Unlock()
		return ErrReloadInProgress
	}
	p.reloading = true
	p.reloadMu.Unlock()
	defer func() {
		p.reloadMu.Lock()
		p.reloading = false
		p.reloadMu.Unlock()
	}()

	p.mu.Lock()
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	for i, s := range slots {
		if s.getState() != StateReady {
			continue
		}
		if err := p.reloadSlot(ctx, s); err != nil {
			p.log.Warn("slot reload aborted",
				zap.Int("slot", i),
				zap.Error(err),
			)
		}
	}
	p.log.Info("rolling reload complete")
	return nil
}

func (p *Pool) reloadSlot(ctx context.Context, s *slot) error {
	s.setState(StateDraining)

	if !p.drain(ctx, s) {
		// Undrained within reload_repeat_minutes × reload_repeat_attempts:
		// keep the old child serving.
		s.setState(StateReady)
		return eris.Errorf("worker: drain budget exhausted with %d in flight", s.inFlight.Load())
	}

	s.mu.Lock()
	old := s.proc
	s.mu.Unlock()
	s.setState(StateExited)
	if old != nil {
		_ = old.Stop(true)
	}

	addr, err := freeLoopbackAddr()
	if err != nil {
		return eris.Wrap(err, "worker: reserve port")
	}
	replacement, err := p.cfg.launch.Launch(ctx, addr)
	if err != nil {
		return eris.Wrap(err, "worker: launch replacement")
	}

	s.mu.Lock()
	s.proc = replacement
	s.addr = addr
	s.mu.Unlock()
	s.setState(StateStarting)

	if err := p.probeReady(ctx, s); err != nil {
		_ = replacement.Stop(false)
		s.setState(StateExited)
		return err
	}
	s.generation.Add(1)
	s.setState(StateReady)

	p.wg.Add(1)
	go p.supervise(s)
	return nil
}

// drain waits until the slot has no in-flight requests or the drain budget
// elapses. The budget is DrainAttempts waits of DrainInterval each.
func (p *Pool) drain(ctx context.Context, s *slot) bool {
	for attempt := 0; attempt < p.cfg.DrainAttempts; attempt++ {
		deadline := time.Now().Add(p.cfg.DrainInterval)
		for time.Now().Before(deadline) {
			if s.inFlight.Load() == 0 {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return s.inFlight.Load() == 0
}

// TerminateAll gracefully stops every child, hard-killing on deadline.
func (p *Pool) TerminateAll(deadline time.Duration) {
	p.closeOnce.Do(func() { close(p.closed) })

	p.mu.Lock()
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.slots = nil
	p.mu.Unlock()

	for _, s := range slots {
		s.setState(StateExited)
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			_ = proc.Stop(true)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		for _, s := range slots {
			s.mu.Lock()
			proc := s.proc
			s.mu.Unlock()
			if proc != nil {
				_ = proc.Stop(false)
			}
		}
	}
	p.log.Info("worker pool terminated", zap.Int("workers", len(slots)))
}

// Info snapshots all slots.
func (p *Pool) Info() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.info())
	}
	return out
}

// ReadyCount reports how many slots currently accept dispatches.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.slots {
		if s.getState() == StateReady {
			n++
		}
	}
	return n
}
