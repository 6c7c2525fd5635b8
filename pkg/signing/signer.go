// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package signing covers the two trust boundaries of the gateway: HMAC
// signing of ad segment URLs handed to players, and JWT verification
// for the operator API.
package signing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var (
	ErrMissingParams = errors.New("signing: missing exp or sig parameter")
	ErrBadSignature  = errors.New("signing: signature mismatch")
	ErrExpired       = errors.New("signing: url expired")
	ErrNoKeys        = errors.New("signing: no keys loaded")
)

// Signer signs and verifies segment URLs. The signed string is
// path + "?exp=" + exp and nothing else; other query parameters do not
// participate. Verification accepts the current or the previous key so
// that key rollover never invalidates in-flight segment URLs.
type Signer struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte
}

// New returns a Signer with the given keys. previous may be nil.
func New(current, previous []byte) *Signer {
	return &Signer{current: current, previous: previous}
}

// NewFromFile loads keys from a file holding one key per line: the
// current key first, optionally followed by the previous key.
func NewFromFile(path string) (*Signer, error) {
	s := &Signer{}
	if err := s.ReloadFile(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Rotate swaps the key set atomically.
func (s *Signer) Rotate(current, previous []byte) {
	s.mu.Lock()
	s.current = current
	s.previous = previous
	s.mu.Unlock()
}

// ReloadFile re-reads the key file. On any error the old keys are kept.
func (s *Signer) ReloadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	current, previous, err := parseKeyFile(b)
	if err != nil {
		return fmt.Errorf("key file %s: %w", path, err)
	}
	s.Rotate(current, previous)
	return nil
}

func parseKeyFile(b []byte) (current, previous []byte, err error) {
	var keys [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		keys = append(keys, line)
	}
	switch len(keys) {
	case 0:
		return nil, nil, ErrNoKeys
	case 1:
		return keys[0], nil, nil
	default:
		return keys[0], keys[1], nil
	}
}

// SignedURL returns path with exp and sig query parameters appended.
// path must be the bare route path without a query string.
func (s *Signer) SignedURL(path string, exp time.Time) string {
	expStr := strconv.FormatInt(exp.Unix(), 10)
	s.mu.RLock()
	sig := computeSig(s.current, path, expStr)
	s.mu.RUnlock()
	return path + "?exp=" + expStr + "&sig=" + sig
}

// Verify checks sig against the current and previous keys and then the
// expiry. The signature is checked first so that expiry probing reveals
// nothing about key validity.
func (s *Signer) Verify(path, expStr, sigStr string, now time.Time) error {
	if expStr == "" || sigStr == "" {
		return ErrMissingParams
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrMissingParams
	}

	s.mu.RLock()
	current, previous := s.current, s.previous
	s.mu.RUnlock()
	if len(current) == 0 {
		return ErrNoKeys
	}

	if !sigMatches(current, path, expStr, sigStr) &&
		(len(previous) == 0 || !sigMatches(previous, path, expStr, sigStr)) {
		return ErrBadSignature
	}
	if now.Unix() > exp {
		return ErrExpired
	}
	return nil
}

func computeSig(key []byte, path, expStr string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(path + "?exp=" + expStr))
	return hex.EncodeToString(mac.Sum(nil))
}

func sigMatches(key []byte, path, expStr, sigStr string) bool {
	want, err := hex.DecodeString(sigStr)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(path + "?exp=" + expStr))
	return hmac.Equal(mac.Sum(nil), want)
}

// Watch reloads the key file whenever it changes. The parent directory
// is watched so that rename-replace rotations (the common deploy shape)
// keep working. Events are debounced; a failed reload keeps the old
// keys and logs.
func (s *Signer) Watch(ctx context.Context, logger *slog.Logger, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch key dir: %w", err)
	}
	logger.Info("watching signing key file", "path", path)

	go s.watchLoop(ctx, logger, watcher, path)
	return nil
}

func (s *Signer) watchLoop(ctx context.Context, logger *slog.Logger, watcher *fsnotify.Watcher, path string) {
	const debounce = 500 * time.Millisecond
	var debounceTimer *time.Timer
	target := filepath.Base(path)

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				if err := s.ReloadFile(path); err != nil {
					logger.Error("signing key reload failed, keeping old keys", "err", err)
					return
				}
				logger.Info("signing keys reloaded", "path", path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("signing key watcher error", "err", err)
		}
	}
}
