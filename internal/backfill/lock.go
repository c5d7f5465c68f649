package backfill

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gofrs/flock"
)

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// workerLock is an advisory cross-process lock enforcing at most one
// backfill worker per (docs_table, provider_id). It is a sibling of
// embed.FileLock, parameterized by name instead of fixed to
// ".download.lock" since the backfill lock name must vary per provider.
type workerLock struct {
	path string
	fl   *flock.Flock
}

func newWorkerLock(dataDir, docsTable, providerID string) *workerLock {
	name := fmt.Sprintf(".backfill-%s-%s.lock", sanitizeRe.ReplaceAllString(docsTable, "_"),
		sanitizeRe.ReplaceAllString(providerID, "_"))
	path := filepath.Join(dataDir, name)
	return &workerLock{path: path, fl: flock.New(path)}
}

// TryLock acquires the lock without blocking; ok is false if another
// worker already holds it.
func (l *workerLock) TryLock() (ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("creating backfill lock directory: %w", err)
	}
	return l.fl.TryLock()
}

func (l *workerLock) Unlock() error {
	return l.fl.Unlock()
}
