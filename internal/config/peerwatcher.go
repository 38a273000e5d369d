package config

import (
	"context"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/linkerd/pubsubd/internal/log"
)

// PeerFileWatcher reloads the downstream-peers list from a file on every
// write, the same watch-a-path-and-signal idiom used by
// pkg/credswatcher.FsCredsWatcher to reload TLS material in the teacher
// repo — here applied to the propagation protocol's peer set instead of
// certificates.
type PeerFileWatcher struct {
	path    string
	PeersCh chan<- []string
	ErrCh   chan<- error
}

// NewPeerFileWatcher constructs a watcher over path, a newline-delimited
// list of downstream peer base URIs.
func NewPeerFileWatcher(path string, peersCh chan<- []string, errCh chan<- error) *PeerFileWatcher {
	return &PeerFileWatcher{path: path, PeersCh: peersCh, ErrCh: errCh}
}

// Start blocks, emitting the current peer list on PeersCh once immediately
// and again after each filesystem write, until ctx is done.
func (w *PeerFileWatcher) Start(ctx context.Context) error {
	logger := log.WithComponent("peer-watcher")

	if peers, err := readPeerFile(w.path); err == nil {
		w.PeersCh <- peers
	} else {
		logger.Warnf("could not read initial peer file %s: %s", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				peers, err := readPeerFile(w.path)
				if err != nil {
					logger.Warnf("failed to reload peer file %s: %s", w.path, err)
					continue
				}
				w.PeersCh <- peers
			}
		case err := <-watcher.Errors:
			w.ErrCh <- err
			logger.Warnf("error watching %s: %s", w.path, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func readPeerFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var peers []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			peers = append(peers, line)
		}
	}
	return peers, nil
}
