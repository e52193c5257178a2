//go:build amd64 && cgo

package shm

/*
static inline void cpu_pause() {
	__asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

// Relax emits the x86-64 PAUSE instruction, hinting the pipeline that the
// caller is in a spin-wait loop.
func Relax() {
	C.cpu_pause()
}
