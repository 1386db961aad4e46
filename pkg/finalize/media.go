package finalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// MediaCandidates lists the file names the recorder may have written for a
// capture session, in preference order.
func MediaCandidates(dir, sessionID string) []string {
	return []string{
		filepath.Join(dir, sessionID+".mp4"),
		filepath.Join(dir, "macos-desktop-"+sessionID+".mp4"),
		filepath.Join(dir, "macos-desktop"+sessionID+".mp4"),
		filepath.Join(dir, "desktop-"+sessionID+".mp4"),
	}
}

// FindMedia returns the first candidate that exists as a regular file.
func FindMedia(dir, sessionID string) (string, bool) {
	for _, path := range MediaCandidates(dir, sessionID) {
		info, err := os.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// WaitForMedia returns the session's media file, watching dir for up to
// timeout when it has not been written yet.
func WaitForMedia(ctx context.Context, dir, sessionID string, timeout time.Duration) (string, error) {
	if path, ok := FindMedia(dir, sessionID); ok {
		return path, nil
	}
	if timeout <= 0 {
		return "", fmt.Errorf("media for %s: %w", sessionID, pferrors.ErrNotFound)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watching %s: %w", dir, err)
	}

	// The file may have landed between the first check and Add.
	if path, ok := FindMedia(dir, sessionID); ok {
		return path, nil
	}

	wanted := make(map[string]struct{})
	for _, c := range MediaCandidates(dir, sessionID) {
		wanted[filepath.Clean(c)] = struct{}{}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("media for %s after %s: %w", sessionID, timeout, pferrors.ErrNotFound)
		case ev, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("watcher closed: %w", pferrors.ErrNotFound)
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if _, hit := wanted[filepath.Clean(ev.Name)]; !hit {
				continue
			}
			if path, ok := FindMedia(dir, sessionID); ok {
				return path, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("watcher closed: %w", pferrors.ErrNotFound)
			}
			return "", fmt.Errorf("watching %s: %w", dir, err)
		}
	}
}
