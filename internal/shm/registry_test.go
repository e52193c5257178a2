package shm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	name := fmt.Sprintf("/ks_test_registry_%d", time.Now().UnixNano())
	reg, err := CreateRegistry(name)
	if err != nil {
		t.Fatalf("CreateRegistry: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
		Unlink(name)
	})
	return reg
}

func TestRegistryRegisterSnapshot(t *testing.T) {
	reg := newTestRegistry(t)

	if reg.Version() != 0 {
		t.Fatalf("fresh registry version = %d, want 0", reg.Version())
	}

	slot, err := reg.Register("/ks_test_1", "pytorch", "u1", os.Getpid())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if slot != 0 {
		t.Fatalf("slot = %d, want lowest-index 0", slot)
	}
	if reg.Version() != 1 {
		t.Fatalf("version = %d, want 1 after register", reg.Version())
	}

	info, ok := reg.Snapshot(slot)
	if !ok || !info.Active {
		t.Fatal("slot should be active after register")
	}
	if info.ChannelName != "/ks_test_1" || info.ClientType != "pytorch" || info.UniqueID != "u1" {
		t.Fatalf("descriptor mismatch: %+v", info)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.LastHeartbeat == 0 {
		t.Fatal("heartbeat should be stamped on register")
	}

	// The next claim takes the next lowest free slot.
	slot2, err := reg.Register("/ks_test_2", "sglang", "u2", os.Getpid())
	if err != nil || slot2 != 1 {
		t.Fatalf("second register = (%d, %v), want (1, nil)", slot2, err)
	}
}

func TestRegistryUnregisterKeepsDescriptor(t *testing.T) {
	reg := newTestRegistry(t)

	slot, err := reg.Register("/ks_test_pm", "pytorch", "u1", os.Getpid())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	v := reg.Version()

	reg.Unregister(slot)
	if reg.Version() != v+1 {
		t.Fatalf("version = %d, want %d after unregister", reg.Version(), v+1)
	}

	// Descriptor stays readable for post-mortem inspection.
	info, _ := reg.Snapshot(slot)
	if info.Active {
		t.Fatal("slot should be inactive after unregister")
	}
	if info.ChannelName != "/ks_test_pm" {
		t.Fatalf("descriptor cleared on unregister: %+v", info)
	}

	// The freed slot is the lowest-index choice again.
	slot2, err := reg.Register("/ks_test_reuse", "pytorch", "u2", os.Getpid())
	if err != nil || slot2 != slot {
		t.Fatalf("reuse register = (%d, %v), want (%d, nil)", slot2, err, slot)
	}
}

func TestRegistryFull(t *testing.T) {
	reg := newTestRegistry(t)

	for i := 0; i < MaxClients; i++ {
		if _, err := reg.Register(fmt.Sprintf("/ks_test_f%d", i), "pytorch", fmt.Sprintf("u%d", i), i+1); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	if _, err := reg.Register("/ks_test_overflow", "pytorch", "u_over", os.Getpid()); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("register into full table = %v, want ErrRegistryFull", err)
	}

	// A failed claim must not disturb any existing entry.
	for i := 0; i < MaxClients; i++ {
		info, _ := reg.Snapshot(i)
		if !info.Active || info.ChannelName != fmt.Sprintf("/ks_test_f%d", i) {
			t.Fatalf("entry %d corrupted by full register: %+v", i, info)
		}
	}
}

func TestRegistryConcurrentClaims(t *testing.T) {
	reg := newTestRegistry(t)

	slots := make([]int, MaxClients)
	var wg sync.WaitGroup
	for i := 0; i < MaxClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot, err := reg.Register(fmt.Sprintf("/ks_test_c%d", i), "pytorch", fmt.Sprintf("u%d", i), i+1)
			if err != nil {
				t.Errorf("concurrent register %d: %v", i, err)
				return
			}
			slots[i] = slot
		}(i)
	}
	wg.Wait()

	// The CAS linearizes claims: every goroutine got a distinct slot.
	seen := make(map[int]bool)
	for i, slot := range slots {
		if seen[slot] {
			t.Fatalf("slot %d claimed twice (goroutine %d)", slot, i)
		}
		seen[slot] = true
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	reg := newTestRegistry(t)

	slot, err := reg.Register("/ks_test_hb", "pytorch", "u1", os.Getpid())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	before, _ := reg.Snapshot(slot)

	time.Sleep(10 * time.Millisecond)
	reg.UpdateHeartbeat(slot)

	after, _ := reg.Snapshot(slot)
	if after.LastHeartbeat <= before.LastHeartbeat {
		t.Fatalf("heartbeat did not advance: %d -> %d", before.LastHeartbeat, after.LastHeartbeat)
	}

	// Out-of-range slots are ignored.
	reg.UpdateHeartbeat(-1)
	reg.UpdateHeartbeat(MaxClients)
}

func TestRegistryFieldTruncation(t *testing.T) {
	reg := newTestRegistry(t)

	longName := "/" + strings.Repeat("n", 100)
	longType := strings.Repeat("t", 40)
	longID := strings.Repeat("i", 100)

	slot, err := reg.Register(longName, longType, longID, os.Getpid())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	info, _ := reg.Snapshot(slot)
	if len(info.ChannelName) != 63 {
		t.Fatalf("channel name length = %d, want 63", len(info.ChannelName))
	}
	if len(info.ClientType) != 15 {
		t.Fatalf("client type length = %d, want 15", len(info.ClientType))
	}
	if len(info.UniqueID) != 63 {
		t.Fatalf("unique id length = %d, want 63", len(info.UniqueID))
	}
}

func TestRegistryServerReadyCrossMapping(t *testing.T) {
	name := fmt.Sprintf("/ks_test_regready_%d", time.Now().UnixNano())
	server, err := CreateRegistry(name)
	if err != nil {
		t.Fatalf("CreateRegistry: %v", err)
	}
	defer func() {
		server.Close()
		Unlink(name)
	}()

	worker, err := OpenRegistry(name)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer worker.Close()

	if worker.ServerReady() {
		t.Fatal("server_ready should start clear")
	}
	server.SetServerReady(true)
	if !worker.ServerReady() {
		t.Fatal("server_ready not visible through worker mapping")
	}

	// Registrations through the worker mapping surface in the server's scan.
	if _, err := worker.Register("/ks_test_x", "pytorch", "u1", os.Getpid()); err != nil {
		t.Fatalf("Register via worker mapping: %v", err)
	}
	if server.Version() != 1 {
		t.Fatalf("server sees version %d, want 1", server.Version())
	}
	active := server.ActiveClients()
	if len(active) != 1 || active[0].ChannelName != "/ks_test_x" {
		t.Fatalf("active clients = %+v", active)
	}
}

func TestRegistryName(t *testing.T) {
	t.Setenv("USER", "alice")
	if got := RegistryName(); got != "/kernel_scheduler_registry_alice" {
		t.Fatalf("RegistryName() = %q", got)
	}
	t.Setenv("USER", "")
	if got := RegistryName(); got != "/kernel_scheduler_registry_nouser" {
		t.Fatalf("RegistryName() with no USER = %q", got)
	}
}
