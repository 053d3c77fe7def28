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

// Package debug serves the effective configuration over HTTP.
package debug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dbmanager/dbmanager/go/viperutil"
)

const masked = "********"

// sensitive reports whether a config key or flag name holds a secret.
func sensitive(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "password") || strings.Contains(key, "secret") || strings.Contains(key, "token")
}

// Mask returns a copy of settings with every sensitive leaf replaced.
func Mask(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		switch {
		case sensitive(k):
			out[k] = masked
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = Mask(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// HandlerFunc returns an http.HandlerFunc that renders the combined config
// registry (both static and dynamic) for debugging purposes, together with
// the flags of fs that were set on the command line. fs may be nil.
//
// Example requests:
//   - GET /debug/config
//   - GET /debug/config?format=json
func HandlerFunc(reg *viperutil.Registry, fs *pflag.FlagSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := reg.Combined()
		format := strings.ToLower(r.URL.Query().Get("format"))

		flags := make(map[string]string)
		if fs != nil {
			fs.VisitAll(func(flag *pflag.Flag) {
				if !flag.Changed {
					return
				}
				if sensitive(flag.Name) {
					flags[flag.Name] = masked
					return
				}
				flags[flag.Name] = flag.Value.String()
			})
		}
		response := map[string]any{
			"command_line_flags": flags,
			"config":             Mask(v.AllSettings()),
		}
		if file := v.ConfigFileUsed(); file != "" {
			response["config_file"] = file
		}

		switch format {
		case "", "yaml":
			w.Header().Set("Content-Type", "application/yaml")
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(response); err != nil {
				http.Error(w, fmt.Sprintf("failed to encode YAML: %v", err), http.StatusInternalServerError)
				return
			}
			_ = enc.Close()
		case "json":
			w.Header().Set("Content-Type", "application/json")
			encoder := json.NewEncoder(w)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(response); err != nil {
				http.Error(w, fmt.Sprintf("failed to encode JSON: %v", err), http.StatusInternalServerError)
			}
		default:
			http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		}
	}
}
