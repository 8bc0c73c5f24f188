//go:build linux

package power

import (
	"os"

	"golang.org/x/sys/unix"
)

func defaultSignals() []os.Signal {
	return []os.Signal{unix.SIGTERM, unix.SIGPWR}
}
