//go:build !linux

package memlock

func lockPlatform() (Level, error) {
	return Partial, nil
}

func unlockPlatform() error {
	return nil
}
