//go:build !linux

package power

import (
	"os"
	"syscall"
)

func defaultSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM}
}
