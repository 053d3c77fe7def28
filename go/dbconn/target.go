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

package dbconn

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Target is everything needed to reach one database as one user.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// SSLMode is passed through to the driver. Empty means "disable".
	SSLMode string

	// ConnectTimeout is enforced by the driver on each dial when set.
	ConnectTimeout time.Duration

	// ApplicationName is reported to the server in pg_stat_activity.
	ApplicationName string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DSN returns a postgres:// URL understood by both lib/pq and pgx.
func (t Target) DSN() string {
	return t.url(url.UserPassword(t.User, t.Password)).String()
}

// Redacted returns the DSN without the password, for logs.
func (t Target) Redacted() string {
	return t.url(url.User(t.User)).String()
}

func (t Target) url(user *url.Userinfo) *url.URL {
	sslMode := t.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	if t.ConnectTimeout > 0 {
		// both drivers take whole seconds; round up so a sub-second value
		// still bounds the dial
		secs := int((t.ConnectTimeout + time.Second - 1) / time.Second)
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if t.ApplicationName != "" {
		q.Set("application_name", t.ApplicationName)
	}
	return &url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     t.Addr(),
		Path:     "/" + t.Database,
		RawQuery: q.Encode(),
	}
}

// String implements fmt.Stringer without exposing the password.
func (t Target) String() string {
	return fmt.Sprintf("%s@%s/%s", t.User, t.Addr(), t.Database)
}
