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

// Package session defines the identifier handed to clients after a
// successful connect.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformed is returned by Parse when the token is not a session id.
var ErrMalformed = errors.New("malformed session id")

// ID identifies one logical session. It is a random (version 4) UUID and
// is comparable, so it can be used directly as a map key.
type ID struct {
	u uuid.UUID
}

// Nil is the zero ID. It is never issued.
var Nil ID

// New returns a fresh random ID.
func New() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	return ID{u: u}, nil
}

// Parse converts the canonical textual form back into an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("%w %q: %v", ErrMalformed, s, err)
	}
	if u == uuid.Nil {
		return Nil, fmt.Errorf("%w %q: nil uuid", ErrMalformed, s)
	}
	return ID{u: u}, nil
}

// String returns the canonical lowercase hyphenated form.
func (id ID) String() string {
	return id.u.String()
}

// IsNil reports whether id is the zero ID.
func (id ID) IsNil() bool {
	return id.u == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
