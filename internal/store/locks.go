// locks.go implements named file locking for durable writes.
//
// Every mutation of a file under the store root is bracketed by an OS-level
// advisory lock (github.com/gofrs/flock) whose lock file lives under
// <root>/.locks/ with a name derived from the protected path. Deriving the
// lock name from the relative path gives cross-process safety: two engine
// processes sharing a data directory serialize on the same lock file.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrBusy is returned when a file lock cannot be acquired within the
// configured timeout. The operation is retryable.
var ErrBusy = errors.New("store busy: file lock timeout")

// lockRetryDelay is how often flock re-attempts acquisition while waiting.
const lockRetryDelay = 50 * time.Millisecond

// lockPath maps a protected file path to its lock file under .locks/.
func (s *Store) lockPath(path string) string {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(rel)
	return filepath.Join(s.dir, ".locks", name+".lock")
}

// withLock runs fn while holding the named lock for path. Acquisition is
// bounded by the store's lock timeout; on expiry the error wraps ErrBusy and
// fn is never invoked.
func (s *Store) withLock(path string, fn func() error) error {
	lockFile := s.lockPath(path)
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}

	fl := flock.New(lockFile)
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acquire lock %s: %w", lockFile, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusy, filepath.Base(lockFile))
	}
	defer fl.Unlock()

	return fn()
}
