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

package debug

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dbmanager/dbmanager/go/viperutil"
)

func newRegistry(t *testing.T) (*viperutil.Registry, *pflag.FlagSet) {
	t.Helper()
	reg := viperutil.NewRegistry()
	port := viperutil.Configure(reg, "http.port", viperutil.Options[int]{Default: 8000, FlagName: "port"})
	pw := viperutil.Configure(reg, "db.password", viperutil.Options[string]{Default: "hunter2", FlagName: "db-password"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("port", port.Default(), "")
	fs.String("db-password", pw.Default(), "")
	viperutil.BindFlags(fs, port, pw)
	require.NoError(t, fs.Parse([]string{"--port=9000", "--db-password=s3cret"}))
	return reg, fs
}

func TestHandlerYAML(t *testing.T) {
	reg, fs := newRegistry(t)

	rec := httptest.NewRecorder()
	HandlerFunc(reg, fs)(rec, httptest.NewRequest(http.MethodGet, "/debug/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.NotContains(t, rec.Body.String(), "hunter2")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(rec.Body.Bytes(), &got))
	flags := got["command_line_flags"].(map[string]any)
	assert.Equal(t, "9000", flags["port"])
	assert.Equal(t, masked, flags["db-password"])
	config := got["config"].(map[string]any)
	assert.Equal(t, masked, config["db"].(map[string]any)["password"])
}

func TestHandlerJSON(t *testing.T) {
	reg, fs := newRegistry(t)

	rec := httptest.NewRecorder()
	HandlerFunc(reg, fs)(rec, httptest.NewRequest(http.MethodGet, "/debug/config?format=json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	config := got["config"].(map[string]any)
	assert.EqualValues(t, 9000, config["http"].(map[string]any)["port"])
	assert.NotContains(t, rec.Body.String(), "s3cret")
}

func TestHandlerUnknownFormat(t *testing.T) {
	reg, _ := newRegistry(t)
	rec := httptest.NewRecorder()
	HandlerFunc(reg, nil)(rec, httptest.NewRequest(http.MethodGet, "/debug/config?format=xml", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMaskNested(t *testing.T) {
	in := map[string]any{
		"user":     "alice",
		"password": "x",
		"nested":   map[string]any{"api_token": "y", "depth": 2},
	}
	out := Mask(in)
	assert.Equal(t, "alice", out["user"])
	assert.Equal(t, masked, out["password"])
	assert.Equal(t, masked, out["nested"].(map[string]any)["api_token"])
	assert.Equal(t, 2, out["nested"].(map[string]any)["depth"])
	assert.Equal(t, "x", in["password"], "input is not modified")
}
