package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

const (
	// MaxClients is the fixed registry capacity.
	MaxClients = 64

	// Field capacities, NUL terminator included.
	channelNameCap = 64
	clientTypeCap  = 16
	uniqueIDCap    = 64
)

// ErrRegistryFull is returned when no registry slot could be claimed.
var ErrRegistryFull = errors.New("registry full")

// registryEntry is one client descriptor. active is the only field with
// concurrent writers (CAS claim vs server reap) and sits alone on its cache
// line; the descriptor strings are written exactly once, by the claiming
// worker, between the CAS and the version bump, and are stable while
// active=true.
type registryEntry struct {
	active uint32
	_      [CacheLine - 4]byte

	channelName [channelNameCap]byte
	clientType  [clientTypeCap]byte
	uniqueID    [uniqueIDCap]byte
	_           [48]byte

	pid int64
	_   [CacheLine - 8]byte

	lastHeartbeat uint64
	_             [CacheLine - 8]byte
}

// registryBlock is the in-segment registry layout: server-ready flag, version
// counter, and the fixed slot table. The version counter is bumped with
// release ordering after every active transition so the server's scan can be
// gated on observing a change.
type registryBlock struct {
	serverReady uint32
	_           [CacheLine - 4]byte
	version     uint32
	_           [CacheLine - 4]byte
	entries     [MaxClients]registryEntry
}

// RegistrySize is the byte size of the registry segment.
const RegistrySize = int(unsafe.Sizeof(registryBlock{}))

func (r *registryBlock) init() {
	atomic.StoreUint32(&r.serverReady, 0)
	atomic.StoreUint32(&r.version, 0)
	for i := range r.entries {
		e := &r.entries[i]
		atomic.StoreUint32(&e.active, 0)
		e.channelName = [channelNameCap]byte{}
		e.clientType = [clientTypeCap]byte{}
		e.uniqueID = [uniqueIDCap]byte{}
		atomic.StoreInt64(&e.pid, 0)
		atomic.StoreUint64(&e.lastHeartbeat, 0)
	}
}

// ClientInfo is a point-in-time copy of one registry slot.
type ClientInfo struct {
	Slot          int
	Active        bool
	ChannelName   string
	ClientType    string
	UniqueID      string
	PID           int
	LastHeartbeat uint64
}

// Registry is a mapped client registry. The server creates and destroys the
// segment; workers open it to register and unregister themselves.
type Registry struct {
	seg *Segment
	r   *registryBlock
}

// CreateRegistry creates, sizes and maps the registry segment under the given
// name and runs its in-place initializer. Server side.
func CreateRegistry(name string) (*Registry, error) {
	seg, err := Attach(name, RegistrySize, true)
	if err != nil {
		return nil, err
	}
	reg := &Registry{seg: seg, r: (*registryBlock)(seg.Pointer())}
	reg.r.init()
	return reg, nil
}

// OpenRegistry maps an existing registry segment. Worker side.
func OpenRegistry(name string) (*Registry, error) {
	seg, err := Attach(name, RegistrySize, false)
	if err != nil {
		return nil, err
	}
	return &Registry{seg: seg, r: (*registryBlock)(seg.Pointer())}, nil
}

// Name returns the registry's segment name.
func (reg *Registry) Name() string { return reg.seg.Name() }

// Register claims the lowest-index free slot for the caller and publishes the
// descriptor. Claims are linearized by the CAS on active; a full pass without
// a successful claim returns ErrRegistryFull.
func (reg *Registry) Register(channelName, clientType, uniqueID string, pid int) (int, error) {
	for i := range reg.r.entries {
		e := &reg.r.entries[i]
		if !atomic.CompareAndSwapUint32(&e.active, 0, 1) {
			continue
		}
		putString(e.channelName[:], channelName)
		putString(e.clientType[:], clientType)
		putString(e.uniqueID[:], uniqueID)
		atomic.StoreInt64(&e.pid, int64(pid))
		atomic.StoreUint64(&e.lastHeartbeat, monoMillis())
		atomic.AddUint32(&reg.r.version, 1)
		return i, nil
	}
	return -1, ErrRegistryFull
}

// Unregister releases the slot. The descriptor fields are left in place for
// post-mortem inspection until the slot is reused.
func (reg *Registry) Unregister(slot int) {
	if slot < 0 || slot >= MaxClients {
		return
	}
	atomic.StoreUint32(&reg.r.entries[slot].active, 0)
	atomic.AddUint32(&reg.r.version, 1)
}

// UpdateHeartbeat stamps the slot with the current monotonic milliseconds.
func (reg *Registry) UpdateHeartbeat(slot int) {
	if slot < 0 || slot >= MaxClients {
		return
	}
	atomic.StoreUint64(&reg.r.entries[slot].lastHeartbeat, monoMillis())
}

// Version returns the registry's mutation counter.
func (reg *Registry) Version() uint32 {
	return atomic.LoadUint32(&reg.r.version)
}

// ServerReady reports whether the scheduler has initialized the registry.
func (reg *Registry) ServerReady() bool {
	return atomic.LoadUint32(&reg.r.serverReady) != 0
}

// SetServerReady is flipped by the server on startup and shutdown.
func (reg *Registry) SetServerReady(v bool) {
	atomic.StoreUint32(&reg.r.serverReady, boolWord(v))
}

// Snapshot copies the slot's descriptor. The descriptor strings are stable
// while Active is true because only the claiming worker writes them, and only
// during the false→true transition.
func (reg *Registry) Snapshot(slot int) (ClientInfo, bool) {
	if slot < 0 || slot >= MaxClients {
		return ClientInfo{}, false
	}
	e := &reg.r.entries[slot]
	return ClientInfo{
		Slot:          slot,
		Active:        atomic.LoadUint32(&e.active) != 0,
		ChannelName:   getString(e.channelName[:]),
		ClientType:    getString(e.clientType[:]),
		UniqueID:      getString(e.uniqueID[:]),
		PID:           int(atomic.LoadInt64(&e.pid)),
		LastHeartbeat: atomic.LoadUint64(&e.lastHeartbeat),
	}, true
}

// ActiveClients returns snapshots of every active slot.
func (reg *Registry) ActiveClients() []ClientInfo {
	var out []ClientInfo
	for i := 0; i < MaxClients; i++ {
		if info, ok := reg.Snapshot(i); ok && info.Active {
			out = append(out, info)
		}
	}
	return out
}

// Close unmaps the registry. The segment, if still linked, survives.
func (reg *Registry) Close() error {
	reg.r = nil
	return reg.seg.Close()
}

func putString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}
