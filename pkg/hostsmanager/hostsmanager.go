// Package hostsmanager periodically fetches a hosts-file document from a
// resolver-supplied URL and writes it atomically to the local hosts file.
package hostsmanager

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MinFetchInterval is the floor on the fetch interval; any configured
// interval below this is raised to it.
const MinFetchInterval = 30 * time.Second

// HTTPDoer is satisfied by *http.Client and by retryablehttp's
// StandardClient().
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager periodically downloads a hosts file and writes it to path.
type Manager struct {
	resolveURI func(ctx context.Context) (string, error)
	interval   time.Duration
	path       string
	client     HTTPDoer
	logger     *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Manager. If interval is below MinFetchInterval, the minimum
// is used instead.
func New(resolveURI func(ctx context.Context) (string, error), interval time.Duration, path string, client HTTPDoer, logger *zap.Logger) *Manager {
	if interval < MinFetchInterval {
		logger.Info("hosts fetch interval below minimum, clamping",
			zap.Duration("configured", interval),
			zap.Duration("minimum", MinFetchInterval))
		interval = MinFetchInterval
	}
	return &Manager{
		resolveURI: resolveURI,
		interval:   interval,
		path:       path,
		client:     client,
		logger:     logger,
	}
}

// Start launches the periodic fetch loop. It also starts a best-effort
// fsnotify watch on the target file's directory so an externally-made edit
// between two fetches shows up in the log instead of silently vanishing on
// the next atomic rewrite.
func (m *Manager) Start() {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
	go m.watchExternalEdits(ctx)
}

// watchExternalEdits logs writes to the hosts file that did not come from
// this Manager's own atomic rename, purely as an operational signal; it
// never changes fetch behavior.
func (m *Manager) watchExternalEdits(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debug("hosts file watch unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		m.logger.Debug("hosts file watch unavailable", zap.Error(err))
		return
	}

	base := filepath.Base(m.path)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == base && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.logger.Debug("hosts file changed on disk", zap.String("op", ev.Op.String()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals cancellation and waits for the loop to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		if err := m.fetchOnce(ctx); err != nil {
			m.logger.Warn("hosts fetch failed, will retry next tick", zap.Error(err))
		}

		select {
		case <-time.After(m.interval):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) fetchOnce(ctx context.Context) error {
	uri, err := m.resolveURI(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve hosts file uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return errors.Wrap(err, "build hosts file request")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch hosts file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return errors.Errorf("fetch hosts file %s: status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read hosts file body")
	}

	if err := writeAtomic(m.path, body); err != nil {
		return errors.Wrap(err, "write hosts file")
	}

	m.logger.Debug("hosts file updated", zap.String("path", m.path), zap.Int("bytes", len(body)))
	return nil
}

// writeAtomic writes data to path by writing to a sibling temp file and
// renaming over the target, so a reader never observes a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hosts-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
