//go:build !unix

package manifest

import "sync"

var lockMu sync.Mutex

// lockFile falls back to a process-wide mutex where flock is unavailable.
func lockFile(string) (func(), error) {
	lockMu.Lock()
	return lockMu.Unlock, nil
}
