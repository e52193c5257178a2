// Package connector is the client-side stub library inference workers link
// against. It performs the two-phase handshake with the scheduler — registry
// attach, channel creation, slot registration, then waiting for the server to
// adopt the channel — and exposes the request/response path over the rings.
//
// A connected client never unlinks its channel segment, not even on clean
// shutdown: destruction is the server's job, which avoids racing the reactor
// while it is still mapped. Connect itself unlinks the channel it created only
// when the handshake fails (registry full, or no adoption within the timeout).
package connector

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/shm"
	"github.com/yangzy723/Rebuilt-PyTorch/internal/wire"
)

// readyPollInterval is the cadence of the server-ready handshake polls.
const readyPollInterval = 100 * time.Millisecond

var (
	// ErrServerNotReady is returned when the scheduler does not come up
	// within the connect timeout.
	ErrServerNotReady = errors.New("scheduler not ready")

	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("connector closed")
)

// channelCounter disambiguates channel names when one process connects more
// than once.
var channelCounter atomic.Uint64

// Options configure Connect. The zero value is usable.
type Options struct {
	// RegistryName overrides the per-user default registry segment.
	RegistryName string

	// ClientType tags the worker kind, e.g. "pytorch" or "sglang".
	// Defaults to "pytorch".
	ClientType string

	// UniqueID identifies the worker to the operator. Defaults to the
	// UNIQUE_ID environment variable, then to a generated UUID.
	UniqueID string

	// ChannelName overrides the generated "/ks_<type>_<pid>_<n>" name.
	// Uniqueness is the caller's responsibility.
	ChannelName string

	// ConnectTimeoutMs bounds the wait for the scheduler's ready flags.
	// 0 means 5000; negative waits forever.
	ConnectTimeoutMs int
}

// Client is a connected worker endpoint.
type Client struct {
	reg    *shm.Registry
	ch     *shm.Channel
	slot   int
	opts   Options
	closed atomic.Bool
}

// Connect attaches to the scheduler and completes the handshake:
// registry-ready poll, channel creation, slot registration, client-connected
// flag, then the per-channel server-ready poll that confirms adoption.
func Connect(opts Options) (*Client, error) {
	if opts.RegistryName == "" {
		opts.RegistryName = shm.RegistryName()
	}
	if opts.ClientType == "" {
		opts.ClientType = "pytorch"
	}
	if opts.UniqueID == "" {
		if env := os.Getenv("UNIQUE_ID"); env != "" {
			opts.UniqueID = env
		} else {
			opts.UniqueID = uuid.NewString()
		}
	}
	if opts.ChannelName == "" {
		opts.ChannelName = fmt.Sprintf("/ks_%s_%d_%d",
			opts.ClientType, os.Getpid(), channelCounter.Add(1))
	}
	if opts.ConnectTimeoutMs == 0 {
		opts.ConnectTimeoutMs = 5000
	}

	reg, err := shm.OpenRegistry(opts.RegistryName)
	if err != nil {
		return nil, fmt.Errorf("open registry (scheduler may not be running): %w", err)
	}

	if !pollUntil(reg.ServerReady, opts.ConnectTimeoutMs) {
		reg.Close()
		return nil, fmt.Errorf("%w: registry %s", ErrServerNotReady, opts.RegistryName)
	}

	ch, err := shm.CreateChannel(opts.ChannelName)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}

	slot, err := reg.Register(opts.ChannelName, opts.ClientType, opts.UniqueID, os.Getpid())
	if err != nil {
		ch.Close()
		shm.Unlink(opts.ChannelName)
		reg.Close()
		return nil, err
	}

	ch.SetClientConnected(true)

	// Second handshake: the server raises the channel flag only after it has
	// adopted the slot, which can take a scan period or two.
	if !pollUntil(ch.ServerReady, doubled(opts.ConnectTimeoutMs)) {
		reg.Unregister(slot)
		ch.SetClientConnected(false)
		ch.Close()
		shm.Unlink(opts.ChannelName)
		reg.Close()
		return nil, fmt.Errorf("%w: channel %s", ErrServerNotReady, opts.ChannelName)
	}

	return &Client{reg: reg, ch: ch, slot: slot, opts: opts}, nil
}

// Slot returns the claimed registry slot.
func (c *Client) Slot() int { return c.slot }

// ChannelName returns the channel segment name in use.
func (c *Client) ChannelName() string { return c.opts.ChannelName }

// UniqueID returns the id the client registered under.
func (c *Client) UniqueID() string { return c.opts.UniqueID }

// Send pushes one raw record onto the request ring. timeoutMs < 0 waits
// forever; records beyond the slot capacity are truncated by the ring.
func (c *Client) Send(record string, timeoutMs int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.ch.Request().PushBlocking([]byte(record), timeoutMs) {
		return fmt.Errorf("send %q: request ring full after %d ms", record, timeoutMs)
	}
	return nil
}

// Recv pops one raw record from the response ring.
func (c *Client) Recv(timeoutMs int) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	buf := make([]byte, shm.SlotSize)
	n, ok := c.ch.Response().PopBlocking(buf, timeoutMs)
	if !ok {
		return "", fmt.Errorf("recv: no response after %d ms", timeoutMs)
	}
	return string(buf[:n]), nil
}

// Request performs one admission round trip and parses the verdict.
func (c *Client) Request(kernelType, requestID string, timeoutMs int) (wire.Response, error) {
	line := wire.BuildRequest(wire.Request{
		KernelType: kernelType,
		RequestID:  requestID,
		Source:     c.opts.ClientType,
		UniqueID:   c.opts.UniqueID,
	})
	if err := c.Send(line, timeoutMs); err != nil {
		return wire.Response{}, err
	}
	raw, err := c.Recv(timeoutMs)
	if err != nil {
		return wire.Response{}, err
	}
	return wire.ParseResponse(wire.TrimLine(raw))
}

// Heartbeat refreshes the registry slot's heartbeat stamp.
func (c *Client) Heartbeat() {
	if !c.closed.Load() {
		c.reg.UpdateHeartbeat(c.slot)
	}
}

// Close performs the clean disconnect: drop the connected flag, release the
// registry slot and unmap. The channel segment is left for the server to
// destroy.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.ch.SetClientConnected(false)
	c.reg.Unregister(c.slot)
	err := c.ch.Close()
	if rerr := c.reg.Close(); err == nil {
		err = rerr
	}
	return err
}

func pollUntil(cond func() bool, timeoutMs int) bool {
	if timeoutMs < 0 {
		for !cond() {
			time.Sleep(readyPollInterval)
		}
		return true
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(readyPollInterval)
	}
}

func doubled(timeoutMs int) int {
	if timeoutMs < 0 {
		return timeoutMs
	}
	return timeoutMs * 2
}
