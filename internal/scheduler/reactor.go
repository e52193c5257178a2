package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/config"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/logkit"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/shm"
)

// Reactor owns the registry segment and the scan thread. It discovers newly
// registered clients, hands each one to a service session on the worker pool,
// and reaps clients whose liveness predicate fails. All per-client errors are
// contained; the only fatal conditions are failing to create the registry or
// the session worker pool at startup.
type Reactor struct {
	cfg    config.Config
	logger *logkit.Logger
	policy Policy

	registry *shm.Registry
	pool     *ants.Pool

	running   atomic.Bool
	kernelSeq atomic.Int64
	wg        sync.WaitGroup

	mu          sync.Mutex
	sessions    map[int]*session
	lastVersion uint32
	rescan      bool
}

// New constructs a reactor. Start must be called before clients can connect.
func New(cfg config.Config, logger *logkit.Logger, policy Policy) *Reactor {
	return &Reactor{
		cfg:      cfg,
		logger:   logger,
		policy:   policy,
		sessions: make(map[int]*session),
	}
}

// Start creates and initializes the registry segment, marks the server ready
// and launches the scan loop.
func (r *Reactor) Start() error {
	reg, err := shm.CreateRegistry(r.cfg.RegistryName)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	pool, err := ants.NewPool(shm.MaxClients, ants.WithNonblocking(true))
	if err != nil {
		reg.Close()
		shm.Unlink(r.cfg.RegistryName)
		return fmt.Errorf("create worker pool: %w", err)
	}

	r.registry = reg
	r.pool = pool
	r.registry.SetServerReady(true)
	r.running.Store(true)
	r.logger.Global().Info("registry initialized", "segment", r.cfg.RegistryName)

	r.wg.Add(1)
	go r.scanLoop()
	return nil
}

// Registry exposes the server's registry mapping.
func (r *Reactor) Registry() *shm.Registry { return r.registry }

// ActiveSessions returns the number of clients currently being serviced.
func (r *Reactor) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// scanLoop runs on its own goroutine: a version-gated adoption pass over the
// registry, then the reaper, then a fixed sleep.
func (r *Reactor) scanLoop() {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.ScanIntervalMs) * time.Millisecond

	for r.running.Load() {
		version := r.registry.Version()
		r.mu.Lock()
		scan := version != r.lastVersion || r.rescan
		r.rescan = false
		r.mu.Unlock()

		if scan {
			for slot := 0; slot < shm.MaxClients; slot++ {
				if info, ok := r.registry.Snapshot(slot); ok && info.Active {
					r.adopt(slot, info)
				}
			}
			r.mu.Lock()
			r.lastVersion = version
			r.mu.Unlock()
		}

		r.reap()
		time.Sleep(interval)
	}
}

// adopt begins servicing the slot. Idempotent: already-serviced slots and
// duplicate channel names are ignored, and a channel segment that does not
// exist yet is retried on the next scan.
func (r *Reactor) adopt(slot int, info shm.ClientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[slot]; ok {
		return
	}
	for _, s := range r.sessions {
		if s.info.ChannelName == info.ChannelName {
			return
		}
	}

	ch, err := shm.OpenChannel(info.ChannelName)
	if err != nil {
		// Registered but not yet mapped by the worker; the next scan retries.
		return
	}

	s := &session{
		slot:              slot,
		info:              info,
		ch:                ch,
		global:            &r.running,
		policy:            r.policy,
		logger:            r.logger,
		log:               r.logger.ForChannel(info.ChannelName),
		kernelSeq:         &r.kernelSeq,
		responseTimeoutMs: r.cfg.ResponseTimeoutMs,
		wg:                &r.wg,
	}
	s.running.Store(true)
	s.lastActivity.Store(time.Now().UnixMilli())

	r.sessions[slot] = s
	r.wg.Add(1)
	if err := r.pool.Submit(s.run); err != nil {
		r.wg.Done()
		delete(r.sessions, slot)
		ch.Close()
		r.logger.Global().Error("session submit failed", "slot", slot, "err", err)
	}
}

// reap evaluates the liveness predicate for every serviced client: registry
// slot still active, channel still marked connected, and the client process
// still exists. Any failed conjunct retires the session, defensively clears
// the registry slot and unlinks the channel segment (the worker cannot).
func (r *Reactor) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for slot, s := range r.sessions {
		info, ok := r.registry.Snapshot(slot)
		alive := ok && info.Active && s.ch.ClientConnected() && processAlive(s.info.PID)
		if alive {
			continue
		}

		s.running.Store(false)
		delete(r.sessions, slot)
		r.registry.Unregister(slot)
		if err := shm.Unlink(s.info.ChannelName); err != nil {
			r.logger.Global().Warn("channel unlink failed", "segment", s.info.ChannelName, "err", err)
		}
		r.logger.Global().Info("client reaped",
			"slot", slot, "segment", s.info.ChannelName, "pid", s.info.PID)
		r.rescan = true
	}
}

// Stop shuts the reactor down: scan loop and sessions exit, the server-ready
// flag drops, and every still-linked channel segment plus the registry are
// destroyed.
func (r *Reactor) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	r.registry.SetServerReady(false)

	r.mu.Lock()
	for _, s := range r.sessions {
		s.running.Store(false)
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.sessions = make(map[int]*session)
	r.mu.Unlock()

	// Destroy any channel a worker left behind, then the registry itself.
	for slot := 0; slot < shm.MaxClients; slot++ {
		if info, ok := r.registry.Snapshot(slot); ok && info.ChannelName != "" {
			shm.Unlink(info.ChannelName)
		}
	}
	r.pool.Release()
	r.registry.Close()
	shm.Unlink(r.cfg.RegistryName)
	r.logger.Global().Info("reactor stopped")
}

// processAlive probes the pid with the null signal. EPERM still means the
// process exists; only ESRCH (or an invalid pid) counts as dead.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
