// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sequence owns the two counters of a Sparkplug B edge node: the
// birth/death sequence (bdSeq), persisted across restarts, and the message
// sequence (seq), which lives for one birth-to-death life.
package sequence

import (
	"errors"
	"fmt"
)

// ErrPersistence is returned when bdSeq cannot be read from or written to
// its store. A birth must not be published after this error.
var ErrPersistence = errors.New("bdSeq persistence failed")

// Store persists a single bdSeq value.
type Store interface {
	// Load returns the last saved value; ok is false if nothing was saved yet.
	Load() (value uint8, ok bool, err error)
	// Save durably records value before returning.
	Save(value uint8) error
}

// Tracker allocates bdSeq and seq values. It is not safe for concurrent use;
// the edge node serialises access.
type Tracker struct {
	store Store

	bdSeq    uint8
	hasBdSeq bool
	seq      uint8
}

// NewTracker creates a tracker backed by store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// NextBirthDeathSequence allocates the bdSeq for a new birth: 0 when the store
// is empty, otherwise the stored value plus one modulo 256. The value is saved
// before it is returned.
func (t *Tracker) NextBirthDeathSequence() (uint8, error) {
	next, err := t.PeekBirthDeathSequence()
	if err != nil {
		return 0, err
	}
	if err := t.store.Save(next); err != nil {
		return 0, fmt.Errorf("%w: save bdSeq %d: %w", ErrPersistence, next, err)
	}
	t.bdSeq = next
	t.hasBdSeq = true
	return next, nil
}

// PeekBirthDeathSequence returns the value the next call to
// NextBirthDeathSequence will allocate, without saving anything.
func (t *Tracker) PeekBirthDeathSequence() (uint8, error) {
	last, ok, err := t.store.Load()
	if err != nil {
		return 0, fmt.Errorf("%w: load bdSeq: %w", ErrPersistence, err)
	}
	if !ok {
		return 0, nil
	}
	return last + 1, nil
}

// CurrentBirthDeathSequence is the bdSeq of the current life. Before the
// first allocation it is the stored value, or 0.
func (t *Tracker) CurrentBirthDeathSequence() uint8 {
	if t.hasBdSeq {
		return t.bdSeq
	}
	if last, ok, err := t.store.Load(); err == nil && ok {
		return last
	}
	return 0
}

// ResetMessageSequence starts a new life and returns the birth's seq, 0.
func (t *Tracker) ResetMessageSequence() uint8 {
	t.seq = 0
	return t.seq
}

// PeekMessageSequence returns the seq the next data message will carry.
func (t *Tracker) PeekMessageSequence() uint8 {
	return t.seq + 1
}

// NextMessageSequence commits and returns the next seq.
func (t *Tracker) NextMessageSequence() uint8 {
	t.seq++
	return t.seq
}
