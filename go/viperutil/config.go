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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MissingFilePolicy says what LoadConfig does when no config file exists.
type MissingFilePolicy int

const (
	// MissingFileIgnore runs on defaults, environment and flags silently.
	MissingFileIgnore MissingFilePolicy = iota
	// MissingFileWarn is MissingFileIgnore with a warning in the log.
	MissingFileWarn
	// MissingFileFail makes LoadConfig return the lookup error.
	MissingFileFail
)

var missingFilePolicies = []string{"ignore", "warn", "fail"}

// Set implements pflag.Value.
func (p *MissingFilePolicy) Set(s string) error {
	for i, name := range missingFilePolicies {
		if strings.EqualFold(s, name) {
			*p = MissingFilePolicy(i)
			return nil
		}
	}
	return fmt.Errorf("unknown missing config file policy %q (want one of %s)", s, strings.Join(missingFilePolicies, ", "))
}

func (p *MissingFilePolicy) String() string {
	if i := int(*p); i >= 0 && i < len(missingFilePolicies) {
		return missingFilePolicies[i]
	}
	return fmt.Sprintf("MissingFilePolicy(%d)", int(*p))
}

// Type implements pflag.Value.
func (p *MissingFilePolicy) Type() string { return "policy" }

// decodeMissingFilePolicy lets config files spell the policy by name.
func decodeMissingFilePolicy(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeFor[MissingFilePolicy]() {
		return data, nil
	}
	switch v := data.(type) {
	case MissingFilePolicy:
		return v, nil
	case int:
		return MissingFilePolicy(v), nil
	case string:
		var p MissingFilePolicy
		err := p.Set(v)
		return p, err
	}
	return data, fmt.Errorf("cannot decode %s into a missing config file policy", from)
}

// getMissingFilePolicy reads the policy at key, falling back to
// MissingFileWarn when the stored value does not decode.
func getMissingFilePolicy(v *viper.Viper) func(key string) MissingFilePolicy {
	return func(key string) MissingFilePolicy {
		p := MissingFileWarn
		hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decodeMissingFilePolicy))
		if err := v.UnmarshalKey(key, &p, hook); err != nil {
			fallback := MissingFileWarn
			slog.Warn("invalid missing config file policy", "key", key, "error", err, "using", fallback.String())
			return MissingFileWarn
		}
		return p
	}
}

// ViperConfig holds the settings that locate the config file.
type ViperConfig struct {
	file    Value[string]
	name    Value[string]
	paths   Value[[]string]
	format  Value[string]
	missing Value[MissingFilePolicy]
}

// NewViperConfig registers the config file settings with reg.
func NewViperConfig(reg *Registry) *ViperConfig {
	return &ViperConfig{
		file: Configure(reg, "config.file", Options[string]{
			FlagName: "config-file",
			EnvVars:  []string{"DBMANAGER_CONFIG_FILE"},
		}),
		name: Configure(reg, "config.name", Options[string]{
			Default:  "dbmanager",
			FlagName: "config-name",
			EnvVars:  []string{"DBMANAGER_CONFIG_NAME"},
		}),
		paths: Configure(reg, "config.paths", Options[[]string]{
			Default:  []string{"."},
			FlagName: "config-path",
			EnvVars:  []string{"DBMANAGER_CONFIG_PATH"},
		}),
		format: Configure(reg, "config.type", Options[string]{
			FlagName: "config-type",
			EnvVars:  []string{"DBMANAGER_CONFIG_TYPE"},
		}),
		missing: Configure(reg, "config.missing", Options[MissingFilePolicy]{
			Default:  MissingFileWarn,
			FlagName: "config-missing",
			GetFunc:  getMissingFilePolicy,
		}),
	}
}

// RegisterFlags installs the config file flags on fs.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config-file", vc.file.Default(), "Config file to load; overrides --config-name and --config-path")
	fs.String("config-name", vc.name.Default(), "Config file name, without extension, looked up in --config-path")
	fs.StringSlice("config-path", vc.paths.Default(), "Directories searched for --config-name")
	fs.String("config-type", vc.format.Default(), "Config file format (yaml, json, toml, ...); inferred from the extension when empty")

	missing := vc.missing.Default()
	fs.Var(&missing, "config-missing", fmt.Sprintf("What to do when no config file is found (%s)", strings.Join(missingFilePolicies, ", ")))

	BindFlags(fs, vc.file, vc.name, vc.paths, vc.format, vc.missing)
}

// read points the static viper at the configured file, or at the name and
// search paths, and reads it. With neither a file nor a name it does nothing.
func (vc *ViperConfig) read(v *viper.Viper) error {
	if file := vc.file.Get(); file != "" {
		v.SetConfigFile(file)
	} else if name := vc.name.Get(); name != "" {
		v.SetConfigName(name)
		for _, dir := range vc.paths.Get() {
			v.AddConfigPath(dir)
		}
	} else {
		return nil
	}
	if format := vc.format.Get(); format != "" {
		v.SetConfigType(format)
	}
	return v.ReadInConfig()
}

// LoadConfig reads the config file into reg. An explicit --config-file wins;
// otherwise --config-name is searched for in each --config-path. A missing
// file is handled per --config-missing.
//
// When a file was loaded, dynamic values follow its changes until the
// returned cancel function is called.
func (vc *ViperConfig) LoadConfig(reg *Registry) (context.CancelFunc, error) {
	noop := func() {}

	err := vc.read(reg.static)
	if err != nil && isNotFound(err) {
		switch vc.missing.Get() {
		case MissingFileIgnore:
			return noop, nil
		case MissingFileWarn:
			slog.Warn("no config file loaded", "error", err)
			return noop, nil
		}
	}
	if err != nil {
		return nil, err
	}

	used := reg.static.ConfigFileUsed()
	if used == "" {
		return noop, nil
	}
	slog.Debug("config file loaded", "file", used)
	return reg.dynamic.Watch(context.Background(), used, vc.format.Get())
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// NotifyConfigReload subscribes ch to config file reloads. A value is sent,
// without blocking, after the new contents are live.
//
// It must be called before LoadConfig and panics once the file is watched.
func NotifyConfigReload(reg *Registry, ch chan<- struct{}) {
	reg.dynamic.Notify(ch)
}
