package filebuffer

import (
	"fmt"

	"github.com/gofrs/flock"
)

// lockPath returns the writer lock file for dataPath.
func lockPath(dataPath string) string { return dataPath + ".lock" }

// acquireWriterLock takes the exclusive writer lock for dataPath without
// blocking.
func acquireWriterLock(dataPath string) (*flock.Flock, error) {
	l := flock.New(lockPath(dataPath))
	ok, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lockPath(dataPath), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dataPath, ErrLocked)
	}
	return l, nil
}
