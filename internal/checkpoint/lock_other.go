//go:build !unix

package checkpoint

import (
	"os"
	"sync"
)

// Without flock the lock only excludes holders inside this process.
var processLocks sync.Map

func lockExclusive(f *os.File) error {
	if _, loaded := processLocks.LoadOrStore(f.Name(), f); loaded {
		return ErrLocked
	}
	return nil
}

func unlock(f *os.File) error {
	processLocks.CompareAndDelete(f.Name(), f)
	return nil
}
