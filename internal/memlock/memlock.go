// Package memlock keeps process memory out of swap and core dumps.
package memlock

// Level reports how much protection the platform granted.
type Level int

const (
	None    Level = iota
	Partial       // some measures applied, memory may still be swapped
	Full          // all pages locked
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Partial:
		return "partial"
	default:
		return "none"
	}
}

// Lock locks current and future pages and disables core dumps.
// Missing privileges degrade to Partial rather than failing.
func Lock() (Level, error) {
	return lockPlatform()
}

// Unlock releases page locks taken by Lock.
func Unlock() error {
	return unlockPlatform()
}
