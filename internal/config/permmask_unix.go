//go:build unix

package config

import "golang.org/x/sys/unix"

// withStrictUmask clears the process umask for the duration of fn so a
// certificate file's mode bits (0600 for keys, 0644 for certs) are applied
// exactly as requested rather than narrowed by an inherited umask, mirroring
// the teacher's per-OS syscall wrapper split (process_windows.go,
// flock_windows.go) for platform-specific file-mode handling.
func withStrictUmask(fn func() error) error {
	old := unix.Umask(0)
	defer unix.Umask(old)
	return fn()
}
