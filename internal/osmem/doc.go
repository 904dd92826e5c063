//go:build unix

// Package osmem targets unix-family kernels (Linux, *BSD, Darwin) via
// golang.org/x/sys/unix. Windows support is out of scope (spec.md §1
// Non-goals; see DESIGN.md) — a Windows build of this package would
// substitute VirtualAlloc/VirtualFree here without touching any
// higher tier.
package osmem
