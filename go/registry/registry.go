// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry holds the live sessions of a broker.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dbmanager/dbmanager/go/session"
)

var (
	// ErrNotFound is returned when no entry exists for an id.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicate is returned by InsertNew when no free id was found.
	ErrDuplicate = errors.New("session id already registered")

	// ErrFull is returned by InsertNew when the entry limit is reached.
	ErrFull = errors.New("session limit reached")

	// ErrPoisoned is returned by every operation after a panic escaped
	// while the registry lock was held.
	ErrPoisoned = errors.New("session registry is poisoned")
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 8

// Registry maps session ids to fully constructed entries.
//
// Lookups share a read lock and run in parallel; inserts and removals are
// exclusive. Entries are built by the caller before InsertNew, so a reader
// either sees nothing for an id or the finished entry.
//
// A panic while the lock is held marks the registry poisoned: the panic
// still propagates to the caller, and all later operations fail with
// ErrPoisoned rather than guessing at the map's state.
type Registry[P any] struct {
	mu      sync.RWMutex
	entries map[session.ID]P

	poisoned atomic.Pointer[error]
}

// New creates an empty registry.
func New[P any]() *Registry[P] {
	return &Registry[P]{entries: make(map[session.ID]P)}
}

func (r *Registry[P]) check() error {
	if cause := r.poisoned.Load(); cause != nil {
		return *cause
	}
	return nil
}

func (r *Registry[P]) poison(rec any) {
	err := fmt.Errorf("%w: panic while holding lock: %v", ErrPoisoned, rec)
	r.poisoned.CompareAndSwap(nil, &err)
}

// withWrite runs fn under the write lock, poisoning on panic.
func (r *Registry[P]) withWrite(fn func() error) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer func() {
		if rec := recover(); rec != nil {
			r.poison(rec)
			r.mu.Unlock()
			panic(rec)
		}
		r.mu.Unlock()
	}()
	// checked again under the lock: another writer may have poisoned us
	// while we were waiting
	if err := r.check(); err != nil {
		return err
	}
	return fn()
}

// withRead runs fn under the read lock, poisoning on panic.
func (r *Registry[P]) withRead(fn func() error) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.RLock()
	defer func() {
		if rec := recover(); rec != nil {
			r.poison(rec)
			r.mu.RUnlock()
			panic(rec)
		}
		r.mu.RUnlock()
	}()
	if err := r.check(); err != nil {
		return err
	}
	return fn()
}

// InsertNew publishes the entry returned by newEntry under a freshly
// generated id, regenerating on collision. newEntry runs under the write
// lock, so it must be quick and must not call back into the registry. With
// limit > 0 the insert fails with ErrFull once limit entries are live.
func (r *Registry[P]) InsertNew(limit int, newEntry func(id session.ID) P) (session.ID, error) {
	var id session.ID
	err := r.withWrite(func() error {
		if limit > 0 && len(r.entries) >= limit {
			return fmt.Errorf("%w: %d", ErrFull, limit)
		}
		for range maxIDAttempts {
			candidate, err := session.New()
			if err != nil {
				return err
			}
			if _, taken := r.entries[candidate]; taken {
				continue
			}
			r.entries[candidate] = newEntry(candidate)
			id = candidate
			return nil
		}
		return ErrDuplicate
	})
	return id, err
}

// Lookup returns the entry for id.
func (r *Registry[P]) Lookup(id session.ID) (P, error) {
	var p P
	err := r.withRead(func() error {
		var ok bool
		if p, ok = r.entries[id]; !ok {
			return ErrNotFound
		}
		return nil
	})
	return p, err
}

// Remove deletes and returns the entry for id.
func (r *Registry[P]) Remove(id session.ID) (P, error) {
	var p P
	err := r.withWrite(func() error {
		var ok bool
		if p, ok = r.entries[id]; !ok {
			return ErrNotFound
		}
		delete(r.entries, id)
		return nil
	})
	return p, err
}

// Len returns the number of entries, or 0 once poisoned.
func (r *Registry[P]) Len() int {
	n := 0
	_ = r.withRead(func() error {
		n = len(r.entries)
		return nil
	})
	return n
}

// Range calls fn for each entry under the read lock until fn returns
// false. fn must not call back into the registry.
func (r *Registry[P]) Range(fn func(id session.ID, p P) bool) error {
	return r.withRead(func() error {
		for id, p := range r.entries {
			if !fn(id, p) {
				break
			}
		}
		return nil
	})
}

// Drain removes and returns every entry. It works on a poisoned registry
// too, so that shutdown can still release resources.
func (r *Registry[P]) Drain() map[session.ID]P {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := r.entries
	r.entries = make(map[session.ID]P)
	return drained
}

// Poisoned returns the poisoning error, or nil.
func (r *Registry[P]) Poisoned() error {
	return r.check()
}
