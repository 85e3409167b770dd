// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"strings"
)

// HostMatcher decides which target hosts get their requests rewritten.
type HostMatcher struct {
	hosts map[string]struct{}
}

// NewHostMatcher creates a [HostMatcher] for the given hosts. Hosts are compared as exact strings, so a
// host doesn't match its subdomains. An empty list matches every host.
func NewHostMatcher(hosts []string) *HostMatcher {
	m := &HostMatcher{}
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
		if host == "" {
			continue
		}
		if m.hosts == nil {
			m.hosts = make(map[string]struct{}, len(hosts))
		}
		m.hosts[host] = struct{}{}
	}
	return m
}

// Match reports whether host is in the list, or the list is empty.
func (m *HostMatcher) Match(host string) bool {
	if len(m.hosts) == 0 {
		return true
	}
	_, ok := m.hosts[host]
	return ok
}
