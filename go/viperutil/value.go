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
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a Value as it is registered with Configure.
type Options[T any] struct {
	// Default is the value used when no flag, environment variable or
	// config file sets the key.
	Default T
	// FlagName is the pflag bound to the key by BindFlags.
	FlagName string
	// EnvVars are checked in order; the first one set wins.
	EnvVars []string
	// Dynamic values are re-read from the config file when it changes on
	// disk. Static values keep what was loaded at startup.
	Dynamic bool
	// GetFunc overrides how the value is extracted from viper. It defaults
	// to the viper getter for T.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Registerable is the untyped face of a Value, used by BindFlags.
type Registerable interface {
	Key() string
	FlagName() string
	bind(flag *pflag.Flag) error
}

// Value is a typed, registry-backed configuration value.
type Value[T any] interface {
	Registerable
	// Default returns the registered default.
	Default() T
	// Get returns the current value.
	Get() T
	// Set overrides the value at the highest precedence. Mostly for tests.
	Set(v T)
}

type value[T any] struct {
	key        string
	defaultVal T
	flagName   string
	envVars    []string
	getFunc    func(v *viper.Viper) func(key string) T

	// source returns the viper the value lives in and the function that
	// releases it, so dynamic values always see the live config.
	source func(write bool) (*viper.Viper, func())
}

// Configure registers key with reg and returns its Value.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = getFuncForType[T]()
	}
	v := &value[T]{
		key:        key,
		defaultVal: opts.Default,
		flagName:   opts.FlagName,
		envVars:    opts.EnvVars,
		getFunc:    getFunc,
	}

	if opts.Dynamic {
		v.source = reg.dynamic.acquire
	} else {
		v.source = func(bool) (*viper.Viper, func()) { return reg.static, func() {} }
	}
	vp, done := v.source(true)
	setup(vp, key, opts)
	done()
	return v
}

func setup[T any](vp *viper.Viper, key string, opts Options[T]) {
	vp.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = vp.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}
}

func (v *value[T]) Key() string      { return v.key }
func (v *value[T]) FlagName() string { return v.flagName }
func (v *value[T]) Default() T       { return v.defaultVal }

func (v *value[T]) Get() T {
	vp, done := v.source(false)
	defer done()
	return v.getFunc(vp)(v.key)
}

func (v *value[T]) Set(val T) {
	vp, done := v.source(true)
	defer done()
	vp.Set(v.key, val)
}

func (v *value[T]) bind(flag *pflag.Flag) error {
	vp, done := v.source(true)
	defer done()
	return vp.BindPFlag(v.key, flag)
}

// BindFlags binds each value to the flag of the same name in fs. Values
// without a flag name, or whose flag is not defined in fs, are skipped.
func BindFlags(fs *pflag.FlagSet, values ...Registerable) {
	for _, v := range values {
		name := v.FlagName()
		if name == "" {
			continue
		}
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.bind(flag); err != nil {
			panic(fmt.Sprintf("viperutil: failed to bind flag %s to key %s: %v", name, v.Key(), err))
		}
	}
}

// getFuncForType picks the viper getter matching T. Types viper has no
// getter for are decoded with UnmarshalKey.
func getFuncForType[T any]() func(v *viper.Viper) func(key string) T {
	var (
		zero T
		f    any
	)
	switch any(zero).(type) {
	case bool:
		f = func(v *viper.Viper) func(string) bool { return v.GetBool }
	case int:
		f = func(v *viper.Viper) func(string) int { return v.GetInt }
	case int32:
		f = func(v *viper.Viper) func(string) int32 { return v.GetInt32 }
	case int64:
		f = func(v *viper.Viper) func(string) int64 { return v.GetInt64 }
	case uint32:
		f = func(v *viper.Viper) func(string) uint32 { return v.GetUint32 }
	case float64:
		f = func(v *viper.Viper) func(string) float64 { return v.GetFloat64 }
	case string:
		f = func(v *viper.Viper) func(string) string { return v.GetString }
	case []string:
		f = func(v *viper.Viper) func(string) []string { return v.GetStringSlice }
	case time.Duration:
		f = func(v *viper.Viper) func(string) time.Duration { return v.GetDuration }
	default:
		return func(v *viper.Viper) func(string) T {
			return func(key string) T {
				var t T
				if err := v.UnmarshalKey(key, &t); err != nil {
					return zero
				}
				return t
			}
		}
	}
	return f.(func(*viper.Viper) func(string) T)
}
