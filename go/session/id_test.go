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

package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	seen := make(map[ID]struct{}, 1000)
	for range 1000 {
		id, err := New()
		require.NoError(t, err)
		require.False(t, id.IsNil())
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestParseRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	upper, err := Parse(strings.ToUpper(id.String()))
	require.NoError(t, err)
	assert.Equal(t, id, upper)
}

func TestParseMalformed(t *testing.T) {
	tests := []string{
		"",
		"not-a-uuid",
		"12345",
		"00000000-0000-0000-0000-000000000000",
		"zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz",
		"'; DROP TABLE users; --",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestJSON(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	type body struct {
		SessionID ID `json:"session_id"`
	}
	data, err := json.Marshal(body{SessionID: id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"`+id.String()+`"}`, string(data))

	var out body
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out.SessionID)

	err = json.Unmarshal([]byte(`{"session_id":"bogus"}`), &out)
	assert.ErrorIs(t, err, ErrMalformed)
}
