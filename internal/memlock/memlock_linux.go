//go:build linux

package memlock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func lockPlatform() (Level, error) {
	level := Full

	// Core dumps would leak unsealed key material regardless of mlock.
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		level = Partial
	}

	err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
	switch {
	case err == nil:
		return level, nil
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSYS):
		return Partial, nil
	default:
		return None, fmt.Errorf("failed to lock memory: %w", err)
	}
}

func unlockPlatform() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("failed to unlock memory: %w", err)
	}
	return nil
}
