package policy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/logger"
)

// WatchedACL serves a StaticACL and swaps it whenever the backing file
// changes. A file that fails to parse leaves the previous ACL in force.
// WatchedACL 在文件变更时热加载访问控制表，解析失败时保留旧表。
type WatchedACL struct {
	path    string
	current atomic.Pointer[StaticACL]
	log     logger.Logger
}

var _ service.AccessControl = (*WatchedACL)(nil)

// NewWatchedACL loads path. Call Run to start following changes.
func NewWatchedACL(path string, log logger.Logger) (*WatchedACL, error) {
	acl, err := NewStaticACL(path)
	if err != nil {
		return nil, err
	}
	w := &WatchedACL{path: filepath.Clean(path), log: log.WithComponent("ACLWatcher")}
	w.current.Store(acl)
	return w, nil
}

func (w *WatchedACL) Allowed(ctx context.Context, token *models.AuthToken, owner, resource, operation string) bool {
	return w.current.Load().Allowed(ctx, token, owner, resource, operation)
}

func (w *WatchedACL) RealmAllowed(ctx context.Context, realm string, token *models.AuthToken, owner, resource, operation string) (bool, error) {
	return w.current.Load().RealmAllowed(ctx, realm, token, owner, resource, operation)
}

// Realms lists the realms of the ACL currently in force.
func (w *WatchedACL) Realms() []string { return w.current.Load().Realms() }

// Run watches the file until ctx is done. The parent directory is watched so
// editors and config managers that replace the file by rename are seen too.
func (w *WatchedACL) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "acl watcher error", logger.Err(err))
		}
	}
}

// reload skips empty reads, which a writer truncating the file in place produces.
func (w *WatchedACL) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Error(ctx, "acl reload failed, keeping previous rules", err, logger.String("path", w.path))
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	acl, err := ParseStaticACL(data)
	if err != nil {
		w.log.Error(ctx, "acl reload failed, keeping previous rules", err, logger.String("path", w.path))
		return
	}
	w.current.Store(acl)
	w.log.Info(ctx, "acl reloaded", logger.String("path", w.path), logger.Int("realms", len(acl.Realms())))
}
