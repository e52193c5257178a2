package shm

import (
	"sync/atomic"
	"unsafe"
)

// channelBlock is the in-segment layout of one client channel: a request
// queue (worker produces, server consumes), a response queue (server
// produces, worker consumes), and two cache-line-isolated liveness flags.
// Exactly one channelBlock lives in one named segment.
type channelBlock struct {
	request  Queue
	response Queue

	clientConnected uint32
	_               [CacheLine - 4]byte
	serverReady     uint32
	_               [CacheLine - 4]byte
}

// ChannelSize is the byte size of a channel segment.
const ChannelSize = int(unsafe.Sizeof(channelBlock{}))

func (c *channelBlock) init() {
	c.request.init()
	c.response.init()
	atomic.StoreUint32(&c.clientConnected, 0)
	atomic.StoreUint32(&c.serverReady, 0)
}

// Channel is a mapped client channel. The worker creates it and registers its
// name; the server opens it on adoption and unlinks it once adopted. A worker
// unlinks its own channel only when its connect handshake fails.
type Channel struct {
	seg *Segment
	c   *channelBlock
}

// CreateChannel creates, sizes and maps the named channel segment and runs
// its in-place initializer. Worker side.
func CreateChannel(name string) (*Channel, error) {
	seg, err := Attach(name, ChannelSize, true)
	if err != nil {
		return nil, err
	}
	ch := &Channel{seg: seg, c: (*channelBlock)(seg.Pointer())}
	ch.c.init()
	return ch, nil
}

// OpenChannel maps an existing channel segment without initializing it.
// Server side.
func OpenChannel(name string) (*Channel, error) {
	seg, err := Attach(name, ChannelSize, false)
	if err != nil {
		return nil, err
	}
	return &Channel{seg: seg, c: (*channelBlock)(seg.Pointer())}, nil
}

// Name returns the channel's segment name.
func (ch *Channel) Name() string { return ch.seg.Name() }

// Request returns the worker→server queue.
func (ch *Channel) Request() *Queue { return &ch.c.request }

// Response returns the server→worker queue.
func (ch *Channel) Response() *Queue { return &ch.c.response }

// ClientConnected reports the worker's attach flag.
func (ch *Channel) ClientConnected() bool {
	return atomic.LoadUint32(&ch.c.clientConnected) != 0
}

// SetClientConnected is set true by the worker on attach, false on detach.
func (ch *Channel) SetClientConnected(v bool) {
	atomic.StoreUint32(&ch.c.clientConnected, boolWord(v))
}

// ServerReady reports whether the server has begun servicing this channel.
func (ch *Channel) ServerReady() bool {
	return atomic.LoadUint32(&ch.c.serverReady) != 0
}

// SetServerReady is set true by the server once its service loop is running.
func (ch *Channel) SetServerReady(v bool) {
	atomic.StoreUint32(&ch.c.serverReady, boolWord(v))
}

// Close unmaps the channel. The segment, if still linked, survives.
func (ch *Channel) Close() error {
	ch.c = nil
	return ch.seg.Close()
}

func boolWord(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
