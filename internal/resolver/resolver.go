// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package resolver maps a logical worker id to an FQDN and IP via DNS,
// using a configured search list of per-datacenter/per-OS suffixes.
// Resolution is best-effort: downstream mechanisms may still succeed
// against the raw worker id when it fails.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var (
	defaultOSPrefixes = []string{"", "win"}
	defaultDatacenters = []string{"mdc1", "mdc2", "scl3"}
)

// Resolver resolves worker ids to FQDN/IP pairs and caches successful
// lookups for a fixed TTL in an in-process map keyed by worker id;
// expired entries are replaced on the next successful lookup, never
// evicted.
type Resolver struct {
	lookupHost func(ctx context.Context, host string) ([]string, error)
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fqdn     string
	ip       string
	cachedAt time.Time
}

// New builds a Resolver using net.DefaultResolver. ttl <= 0 disables caching.
func New(ttl time.Duration) *Resolver {
	return &Resolver{
		lookupHost: net.DefaultResolver.LookupHost,
		ttl:        ttl,
		cache:      make(map[string]cacheEntry),
	}
}

// Resolve attempts DNS resolution of workerID using the search list
// {"", "win"} x {"mdc1", "mdc2", "scl3"} with suffix pattern
// "{os}test.releng.{dc}.mozilla.com", plus the bare worker id itself.
// On any failure it returns (workerID, "") and logs a warning; callers
// should treat a missing IP as "resolution failed, try the raw id".
func (r *Resolver) Resolve(ctx context.Context, workerID string) (fqdn string, ip string) {
	if cached, ok := r.cached(workerID); ok {
		return cached.fqdn, cached.ip
	}

	for _, candidate := range r.candidates(workerID) {
		addrs, err := r.lookupHost(ctx, candidate)
		if err != nil || len(addrs) == 0 {
			continue
		}
		r.store(workerID, candidate, addrs[0])
		return candidate, addrs[0]
	}

	slog.Warn("host resolution failed, falling back to raw worker id", "worker_id", workerID)
	return workerID, ""
}

// candidates returns the ordered list of hostnames to try, the
// configured suffixes first and the bare id last.
func (r *Resolver) candidates(workerID string) []string {
	out := make([]string, 0, len(defaultOSPrefixes)*len(defaultDatacenters)+1)
	for _, dc := range defaultDatacenters {
		for _, os := range defaultOSPrefixes {
			out = append(out, fmt.Sprintf("%s.%stest.releng.%s.mozilla.com", workerID, os, dc))
		}
	}
	out = append(out, workerID)
	return out
}

func (r *Resolver) cached(workerID string) (cacheEntry, bool) {
	if r.ttl <= 0 {
		return cacheEntry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[workerID]
	if !ok || time.Since(e.cachedAt) > r.ttl {
		return cacheEntry{}, false
	}
	return e, true
}

func (r *Resolver) store(workerID, fqdn, ip string) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[workerID] = cacheEntry{fqdn: fqdn, ip: ip, cachedAt: time.Now()}
}
