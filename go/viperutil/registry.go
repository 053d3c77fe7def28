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

// Package viperutil provides typed, registry-scoped configuration values
// backed by viper, bound to pflags and environment variables, and
// optionally reloaded from a watched config file.
package viperutil

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// Each service or command creates its own, so tests and binaries never
// share global viper state.
//
// Static registry values never change after LoadConfig is called.
// Dynamic registry values are updated when the loaded config file changes.
type Registry struct {
	// static holds values that keep their startup value for the lifetime
	// of the process.
	static *viper.Viper

	// dynamic holds values that follow the watched config file.
	dynamic *dynamicViper

	fs afero.Fs
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	workers := viperutil.Configure(reg, "broker.workers", viperutil.Options[int]{
//	    Default:  4,
//	    FlagName: "broker-workers",
//	})
func NewRegistry() *Registry {
	reg := &Registry{
		static:  viper.New(),
		dynamic: newDynamicViper(),
	}
	reg.SetFs(afero.NewOsFs())
	return reg
}

// SetFs replaces the filesystem config files are read from. Tests use
// afero.NewMemMapFs. File watching only happens on the OS filesystem.
func (reg *Registry) SetFs(fs afero.Fs) {
	reg.fs = fs
	reg.static.SetFs(fs)
	reg.dynamic.setFs(fs)
}

// Combined returns a viper instance combining the static and dynamic registries.
// This is useful for debug handlers and other utilities that need to access
// all configuration values.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())
	_ = v.MergeConfigMap(reg.dynamic.allSettings())

	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}
