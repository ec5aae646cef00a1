package config

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/pgfrontend/pkg/log"
)

// PasswordAuth implements frontend.Authenticator against a file of
// "user:password" lines, reloadable in place by PasswordWatcher without
// restarting the server. Satisfies pkg/frontend.Authenticator structurally
// (no import of that package here to avoid a dependency cycle;
// cmd/pgfrontend's passwordAuthAdapter wires the two together).
type PasswordAuth struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewPasswordAuth loads path once and returns a PasswordAuth ready to be
// handed to a Watcher for hot-reload.
func NewPasswordAuth(path string) (*PasswordAuth, error) {
	a := &PasswordAuth{passwords: make(map[string]string)}
	if err := a.reload(path); err != nil {
		return nil, err
	}
	return a, nil
}

// RequirePassword reports the expected cleartext password for user, if any
// entry exists for them.
func (a *PasswordAuth) RequirePassword(user string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	password, ok := a.passwords[user]
	return password, ok
}

func (a *PasswordAuth) reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	next := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, password, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		next[user] = password
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.passwords = next
	a.mu.Unlock()
	return nil
}

// PasswordWatcher watches a password file for changes and reloads a
// PasswordAuth in place, following the teacher's procedure-directory
// watcher's debounce-then-reload shape (pkg/procedure/watcher.go), reduced
// to a single watched file rather than a recursive directory tree.
type PasswordWatcher struct {
	path   string
	auth   *PasswordAuth
	logger *log.CategoryLogger
	fsw    *fsnotify.Watcher

	debounceDelay time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPasswordWatcher constructs a watcher for path, reloading auth whenever
// the file changes.
func NewPasswordWatcher(path string, auth *PasswordAuth, logger *log.CategoryLogger) (*PasswordWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	return &PasswordWatcher{
		path:          path,
		auth:          auth,
		logger:        logger,
		fsw:           fsw,
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}, nil
}

// Start begins watching in the background. Call Stop to release resources.
func (w *PasswordWatcher) Start() {
	go w.run()
}

// Stop halts watching and releases the underlying fsnotify watcher.
func (w *PasswordWatcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *PasswordWatcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	reload := func() {
		if err := w.auth.reload(w.path); err != nil {
			if w.logger != nil {
				w.logger.Error("reloading password file", err, "path", w.path)
			}
			return
		}
		if w.logger != nil {
			w.logger.Info("password file reloaded", "path", w.path)
		}
	}

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceDelay, reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Error("password watcher error", err)
			}
		}
	}
}
