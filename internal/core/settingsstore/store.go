// Package settingsstore persists keeper configuration and per-wallet
// runtime state as one JSON document. Every access runs on a single
// goroutine behind an execution queue, so concurrent read-modify-write
// callers serialize without filesystem locking.
package settingsstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Document is the full on-disk shape.
type Document struct {
	ManagerEntries    []ManagerEntry             `json:"manager_entries"`
	EnabledEntries    []EnabledEntry             `json:"enabled_entries"`
	ManagerState      map[string]json.RawMessage `json:"manager_state,omitempty"`
	NotificationHooks []json.RawMessage          `json:"notification_hooks,omitempty"`
}

type ManagerEntry struct {
	WalletName string          `json:"wallet_name"`
	Settings   json.RawMessage `json:"settings"`
}

type EnabledEntry struct {
	WalletName string `json:"wallet_name"`
}

// Clone deep-copies the document so callers can mutate freely.
func (d Document) Clone() Document {
	out := Document{}
	out.ManagerEntries = make([]ManagerEntry, len(d.ManagerEntries))
	for i, e := range d.ManagerEntries {
		out.ManagerEntries[i] = ManagerEntry{
			WalletName: e.WalletName,
			Settings:   append(json.RawMessage(nil), e.Settings...),
		}
	}
	out.EnabledEntries = append([]EnabledEntry(nil), d.EnabledEntries...)
	if d.ManagerState != nil {
		out.ManagerState = make(map[string]json.RawMessage, len(d.ManagerState))
		for k, v := range d.ManagerState {
			out.ManagerState[k] = append(json.RawMessage(nil), v...)
		}
	}
	for _, h := range d.NotificationHooks {
		out.NotificationHooks = append(out.NotificationHooks,
			append(json.RawMessage(nil), h...))
	}
	return out
}

// IsEnabled reports whether a wallet's manager should run.
func (d Document) IsEnabled(walletName string) bool {
	for _, e := range d.EnabledEntries {
		if e.WalletName == walletName {
			return true
		}
	}
	return false
}

// SettingsFor returns the raw settings blob for a wallet, if present.
func (d Document) SettingsFor(walletName string) (json.RawMessage, bool) {
	for _, e := range d.ManagerEntries {
		if e.WalletName == walletName {
			return e.Settings, true
		}
	}
	return nil, false
}

type job struct {
	fn   func(*Document) (bool, error)
	done chan error
}

// Store serializes document access through one worker goroutine.
type Store struct {
	path   string
	logger *zap.Logger
	jobs   chan job
}

func New(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		jobs:   make(chan job, 64),
	}
}

// Run owns the document until ctx is done. Jobs submitted after
// shutdown fail with the context error.
func (s *Store) Run(ctx context.Context) {
	doc, err := s.load()
	if err != nil {
		s.logger.Error("error loading settings document", zap.Error(err))
		doc = Document{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			dirty, err := j.fn(&doc)
			if err == nil && dirty {
				err = s.save(doc)
			}
			j.done <- err
		}
	}
}

func (s *Store) submit(ctx context.Context, fn func(*Document) (bool, error)) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns a deep copy of the current document.
func (s *Store) Read(ctx context.Context) (Document, error) {
	var out Document
	err := s.submit(ctx, func(d *Document) (bool, error) {
		out = d.Clone()
		return false, nil
	})
	return out, err
}

// Update runs fn against the live document and persists the result.
// fn errors abort the write and leave the document untouched.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) error {
	return s.submit(ctx, func(d *Document) (bool, error) {
		working := d.Clone()
		if err := fn(&working); err != nil {
			return false, err
		}
		*d = working
		return true, nil
	})
}

// ReadManagerState unmarshals a wallet's persisted runtime state into
// out. Missing state is not an error; out is left untouched.
func (s *Store) ReadManagerState(ctx context.Context, walletName string, out any) error {
	return s.submit(ctx, func(d *Document) (bool, error) {
		raw, found := d.ManagerState[walletName]
		if !found {
			return false, nil
		}
		return false, errors.Wrapf(json.Unmarshal(raw, out),
			"error decoding manager state for %s", walletName)
	})
}

// WriteManagerState persists a wallet's runtime state.
func (s *Store) WriteManagerState(ctx context.Context, walletName string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "error encoding manager state for %s", walletName)
	}
	return s.submit(ctx, func(d *Document) (bool, error) {
		if d.ManagerState == nil {
			d.ManagerState = make(map[string]json.RawMessage)
		}
		d.ManagerState[walletName] = raw
		return true, nil
	})
}

func (s *Store) load() (Document, error) {
	var doc Document
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, errors.Wrap(err, "error reading settings file")
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, errors.Wrap(err, "error decoding settings file")
	}
	return doc, nil
}

// save writes atomically: temp file in the same directory, then rename.
func (s *Store) save(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding settings document")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return errors.Wrap(err, "error creating temp settings file")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "error writing settings file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "error replacing settings file")
}
