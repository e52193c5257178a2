//go:build arm64 && cgo

package shm

/*
static inline void cpu_yield() {
	__asm__ __volatile__("yield" ::: "memory");
}
*/
import "C"

// Relax emits the ARM64 YIELD instruction, hinting the core that the caller
// is in a spin-wait loop.
func Relax() {
	C.cpu_yield()
}
