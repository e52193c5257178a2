package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/logkit"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/shm"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/wire"
)

// connectedCheckInterval is how many pause iterations the request pop spins
// before re-reading the channel's client_connected flag.
const connectedCheckInterval = 10000

// session services one adopted client. It owns the channel mapping: the
// mapping is released only when the loop exits, so the reactor may unlink the
// segment at any time without invalidating it.
type session struct {
	slot int
	info shm.ClientInfo
	ch   *shm.Channel

	running      atomic.Bool // cleared by the reaper or by Stop
	lastActivity atomic.Int64

	global            *atomic.Bool // reactor-wide running flag
	policy            Policy
	logger            *logkit.Logger
	log               *slog.Logger
	kernelSeq         *atomic.Int64
	responseTimeoutMs int
	wg                *sync.WaitGroup
}

func (s *session) active() bool {
	return s.global.Load() && s.running.Load()
}

// run is the service loop. One pool worker per adopted client executes it
// until the client disconnects, dies, or the server shuts down.
func (s *session) run() {
	defer s.wg.Done()
	defer s.ch.Close()

	sessionID := s.logger.NextSession()
	clientKey := s.info.ClientType + ":" + s.info.UniqueID
	s.logger.RecordConnection(clientKey)
	s.log.Info("session started",
		"session", sessionID, "client", clientKey, "segment", s.info.ChannelName, "pid", s.info.PID)

	s.ch.SetServerReady(true)

	buf := make([]byte, shm.SlotSize)
	for s.active() {
		n, ok := s.popRequest(buf)
		if !ok {
			break
		}
		s.handle(wire.TrimLine(string(buf[:n])), clientKey)
		s.lastActivity.Store(time.Now().UnixMilli())
	}

	s.log.Info("session ended", "session", sessionID, "client", clientKey)
}

// popRequest busy-pops the request ring, periodically re-checking that the
// client is still attached. Returns ok=false when the session should exit.
func (s *session) popRequest(buf []byte) (int, bool) {
	pauses := 0
	for {
		if n, ok := s.ch.Request().TryPop(buf); ok {
			return n, true
		}
		if !s.active() {
			return 0, false
		}
		if pauses++; pauses >= connectedCheckInterval {
			pauses = 0
			if !s.ch.ClientConnected() {
				return 0, false
			}
		}
		shm.Relax()
	}
}

func (s *session) handle(line, clientKey string) {
	req, err := wire.ParseRequest(line)
	if err != nil {
		// Malformed records are dropped without a response; the client is
		// not disturbed.
		s.log.Warn("malformed request dropped", "client", clientKey, "record", line)
		return
	}

	kernelID := s.kernelSeq.Add(1)
	s.logger.RecordKernel(req.KernelType)
	if kernelID <= 10 || kernelID%100 == 0 {
		s.log.Info("kernel", "id", kernelID, "kernel_type", req.KernelType, "request", req.RequestID)
	}

	allowed, reason := s.policy.Decide(req.KernelType)
	resp := wire.BuildResponse(req.RequestID, allowed, reason)
	if !s.ch.Response().PushBlocking([]byte(resp), s.responseTimeoutMs) {
		// Client stuck with a full response ring; liveness is re-evaluated
		// on the next loop iteration.
		s.log.Warn("response send timeout", "client", clientKey, "request", req.RequestID)
	}
}
