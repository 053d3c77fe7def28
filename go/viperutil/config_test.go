// Copyright 2023 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFilePolicyFromConfig(t *testing.T) {
	v := viper.New()
	v.SetDefault("default", MissingFileFail)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader("by_number: 0\nby_name: FAIL\nbogus: sometimes\n")))

	get := getMissingFilePolicy(v)
	assert.Equal(t, MissingFileIgnore, get("by_number"))
	assert.Equal(t, MissingFileFail, get("by_name"), "names are case-insensitive")
	assert.Equal(t, MissingFileFail, get("default"))
	assert.Equal(t, MissingFileWarn, get("unset"))
	assert.Equal(t, MissingFileWarn, get("bogus"), "undecodable values fall back to warn")
}

func TestMissingFilePolicyFlag(t *testing.T) {
	reg := NewRegistry()
	vc := NewViperConfig(reg)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	vc.RegisterFlags(fs)
	assert.Equal(t, MissingFileWarn, vc.missing.Get())

	require.NoError(t, fs.Parse([]string{"--config-missing=ignore"}))
	assert.Equal(t, MissingFileIgnore, vc.missing.Get())

	err := fs.Parse([]string{"--config-missing=exit"})
	assert.ErrorContains(t, err, "want one of ignore, warn, fail")
}

func TestLoadConfigMissingFile(t *testing.T) {
	tests := []struct {
		name    string
		policy  MissingFilePolicy
		file    string
		wantErr bool
	}{
		{"ignore explicit file", MissingFileIgnore, "notfound.yaml", false},
		{"ignore searched name", MissingFileIgnore, "", false},
		{"warn explicit file", MissingFileWarn, "notfound.yaml", false},
		{"warn searched name", MissingFileWarn, "", false},
		{"fail explicit file", MissingFileFail, "notfound.yaml", true},
		{"fail searched name", MissingFileFail, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.SetFs(afero.NewMemMapFs())
			vc := NewViperConfig(reg)
			vc.file.Set(tt.file)
			vc.name.Set("notfound")
			vc.missing.Set(tt.policy)

			cancel, err := vc.LoadConfig(reg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, isNotFound(err))
				return
			}
			require.NoError(t, err)
			cancel()
		})
	}
}

func TestLoadConfigWithoutName(t *testing.T) {
	reg := NewRegistry()
	vc := NewViperConfig(reg)
	vc.name.Set("")
	vc.missing.Set(MissingFileFail)

	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err, "nothing to look for is not a missing file")
	cancel()
	assert.Empty(t, reg.Combined().ConfigFileUsed())
}

func TestLoadConfigFromMemFs(t *testing.T) {
	reg := NewRegistry()
	fs := afero.NewMemMapFs()
	reg.SetFs(fs)
	require.NoError(t, afero.WriteFile(fs, "/etc/dbmanager/dbmanager.yaml", []byte("pool:\n  capacity: 25\nlog-level: debug\n"), 0o644))

	capacity := Configure(reg, "pool.capacity", Options[int64]{Default: 10})
	level := Configure(reg, "log-level", Options[string]{Default: "info", Dynamic: true})

	vc := NewViperConfig(reg)
	vc.paths.Set([]string{"/etc/dbmanager"})
	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, int64(25), capacity.Get())
	assert.Equal(t, "debug", level.Get())
	assert.Equal(t, "/etc/dbmanager/dbmanager.yaml", reg.Combined().ConfigFileUsed())
}

func TestLoadConfigExplicitFile(t *testing.T) {
	reg := NewRegistry()
	fs := afero.NewMemMapFs()
	reg.SetFs(fs)
	require.NoError(t, afero.WriteFile(fs, "/conf/settings.json", []byte(`{"broker": {"workers": 9}}`), 0o644))

	workers := Configure(reg, "broker.workers", Options[int]{Default: 4})
	vc := NewViperConfig(reg)
	vc.file.Set("/conf/settings.json")
	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, 9, workers.Get())
}

func TestValuePrecedence(t *testing.T) {
	t.Setenv("DBMANAGER_TEST_WORKERS", "7")

	reg := NewRegistry()
	workers := Configure(reg, "broker.workers", Options[int]{
		Default:  4,
		FlagName: "broker-workers",
		EnvVars:  []string{"DBMANAGER_TEST_WORKERS"},
	})
	assert.Equal(t, 4, workers.Default())
	assert.Equal(t, 7, workers.Get(), "env beats default")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("broker-workers", workers.Default(), "")
	BindFlags(fs, workers)
	assert.Equal(t, 7, workers.Get(), "an unset flag does not override env")

	require.NoError(t, fs.Parse([]string{"--broker-workers=12"}))
	assert.Equal(t, 12, workers.Get(), "flag beats env")

	workers.Set(3)
	assert.Equal(t, 3, workers.Get())
}

func TestTypedGetters(t *testing.T) {
	reg := NewRegistry()
	d := Configure(reg, "pool.acquire-timeout", Options[time.Duration]{Default: 30 * time.Second})
	b := Configure(reg, "pool.test-on-acquire", Options[bool]{Default: true})
	s := Configure(reg, "db.driver", Options[string]{Default: "postgres"})
	paths := Configure(reg, "paths", Options[[]string]{Default: []string{"a", "b"}})

	assert.Equal(t, 30*time.Second, d.Get())
	assert.True(t, b.Get())
	assert.Equal(t, "postgres", s.Get())
	assert.Equal(t, []string{"a", "b"}, paths.Get())
}

func TestBindFlagsSkipsUnknown(t *testing.T) {
	reg := NewRegistry()
	v := Configure(reg, "x", Options[string]{Default: "d", FlagName: "not-defined"})
	noFlag := Configure(reg, "y", Options[string]{Default: "e"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.NotPanics(t, func() { BindFlags(fs, v, noFlag) })
	assert.Equal(t, "d", v.Get())
}

func TestDynamicReload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "dbmanager.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log-level: info\n"), 0o644))

	reg := NewRegistry()
	level := Configure(reg, "log-level", Options[string]{Default: "warn", Dynamic: true})
	static := Configure(reg, "pool.capacity", Options[int]{Default: 10})

	reloaded := make(chan struct{}, 1)
	NotifyConfigReload(reg, reloaded)

	vc := NewViperConfig(reg)
	vc.file.Set(file)
	cancel, err := vc.LoadConfig(reg)
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "info", level.Get())

	require.NoError(t, os.WriteFile(file, []byte("log-level: error\npool:\n  capacity: 99\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("config reload was not signalled")
	}
	assert.Eventually(t, func() bool { return level.Get() == "error" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 10, static.Get(), "static values keep their startup value")

	assert.Panics(t, func() { NotifyConfigReload(reg, make(chan struct{})) })
}
