package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/identity"
)

// janitorMinAge protects directories that may belong to a session still being
// brought up: a storage dir exists briefly before its record is registered.
const janitorMinAge = time.Minute

// StartJanitor runs a background loop that removes orphaned storage
// directories from the sessions root: leftovers from a previous process or
// from teardowns whose best-effort cleanup did not complete.
func StartJanitor(ctx context.Context, store *Store, baseDir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session: janitor stopped")
			return
		case <-ticker.C:
			sweepOrphans(store, baseDir, janitorMinAge)
		}
	}
}

// sweepOrphans deletes session storage directories that have no live record
// and are older than minAge. Anything that is not a session directory is left
// alone.
func sweepOrphans(store *Store, baseDir string, minAge time.Duration) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", baseDir).Msg("session: janitor scan failed")
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		identifier, ok := identity.IdentifierFromDirName(entry.Name())
		if !ok {
			continue
		}
		if store.Has(identifier) {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < minAge {
			continue
		}

		path := filepath.Join(baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("dir", path).Msg("session: janitor remove failed")
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("session: janitor removed orphaned session dirs")
	}
}
