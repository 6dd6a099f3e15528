package registry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// PluginLoader builds the Constructor and AgentMetadata for a verified
// plugin archive at path. Supplied by the caller (cmd/orchestratord) so
// this package stays free of any concrete agent implementation.
type PluginLoader func(path string) (*AgentMetadata, error)

// RunHotDirectoryRescan scans dir every interval for plugin archives,
// on start and at the configured cadence thereafter. New files — those
// not already registered under their basename — are passed to load;
// rejected or failed loads are recorded via RecordFailedImport rather
// than stopping the scan. The scan goroutine ends when ctx is cancelled;
// the returned function does not cancel anything itself, it blocks until
// that goroutine has ended.
func (r *Registry) RunHotDirectoryRescan(ctx context.Context, dir string, interval time.Duration, load PluginLoader, log zerolog.Logger) (stop func()) {
	log = log.With().Str("component", "registry-rescan").Logger()
	done := make(chan struct{})

	scan := func() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("hot-directory rescan failed to read directory")
			return
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, exists := r.Get(name); exists {
				continue
			}
			meta, err := load(filepath.Join(dir, name))
			if err != nil {
				log.Warn().Err(err).Str("plugin", name).Msg("plugin rejected")
				r.RecordFailedImport(name, err.Error())
				continue
			}
			if err := r.Register(meta, false); err != nil {
				r.RecordFailedImport(name, err.Error())
			}
		}
	}

	go func() {
		scan()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				scan()
			}
		}
	}()

	return func() { <-done }
}
