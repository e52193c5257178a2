//go:build (!amd64 && !arm64) || !cgo

package shm

// Relax is a no-op on platforms without a spin-wait hint instruction; the
// spin loops run at full speed.
func Relax() {}
