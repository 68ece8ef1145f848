package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/szibis/td-shipper/internal/logging"
)

// ReadAPIKeyFile reads a key file, trimming surrounding whitespace.
func ReadAPIKeyFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	key := string(bytes.TrimSpace(data))
	if key == "" {
		return "", fmt.Errorf("API key file %s is empty", path)
	}
	return key, nil
}

// ResolveAPIKey returns the configured key. apikey_file wins over apikey.
func (c *Config) ResolveAPIKey() (string, error) {
	if c.APIKeyFile != "" {
		return ReadAPIKeyFile(c.APIKeyFile)
	}
	if c.APIKey == "" {
		return "", errors.New("no API key configured")
	}
	return c.APIKey, nil
}

// WatchAPIKeyFile calls onChange with the new key each time the file at
// path is rewritten with a different non-empty key. The parent directory
// is watched so atomic renames and mounted secret swaps are seen. It runs
// until ctx is cancelled; an unreadable file keeps the previous key.
func WatchAPIKeyFile(ctx context.Context, path string, onChange func(string)) error {
	current, err := ReadAPIKeyFile(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(path)

	logging.Info("watching API key file", logging.F(
		"component", "config",
		"path", path,
	))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Secret volumes swap a "..data" symlink instead of writing the file.
			if filepath.Clean(event.Name) != name && filepath.Base(event.Name) != "..data" {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			key, err := ReadAPIKeyFile(path)
			if err != nil {
				logging.Warn("API key reload failed, keeping previous key", logging.F(
					"component", "config",
					"path", path,
					"error", err.Error(),
				))
				continue
			}
			if key == current {
				continue
			}
			current = key
			logging.Info("API key reloaded", logging.F(
				"component", "config",
				"path", path,
			))
			onChange(key)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("API key watcher error", logging.F(
				"component", "config",
				"error", err.Error(),
			))
		}
	}
}
