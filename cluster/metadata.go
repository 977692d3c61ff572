// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"sync"
)

// Metadata is the identity-stable host registry plus the token index used
// for routing. Repeated lookups of one address return the same *Host, so
// pointer comparison is a valid host equality.
type Metadata struct {
	mu     sync.RWMutex
	hosts  map[string]*Host
	tokens map[string]*Host
	schema string // last observed schema version
}

func NewMetadata() *Metadata {
	return &Metadata{
		hosts:  make(map[string]*Host),
		tokens: make(map[string]*Host),
	}
}

// GetHost returns the host registered under addr, or nil.
func (m *Metadata) GetHost(addr string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts[addr]
}

// GetOrAddHost returns the host for addr, creating it in ADDED state on
// first sight. The second return reports creation.
func (m *Metadata) GetOrAddHost(addr string) (*Host, bool) {
	m.mu.RLock()
	h := m.hosts[addr]
	m.mu.RUnlock()
	if h != nil {
		return h, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.hosts[addr]; h != nil {
		return h, false
	}
	h = newHost(addr)
	m.hosts[addr] = h
	return h, true
}

// RemoveHost drops the host and its token index entries; returns the
// removed host, or nil.
func (m *Metadata) RemoveHost(addr string) *Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hosts[addr]
	if h == nil {
		return nil
	}
	delete(m.hosts, addr)
	for t, th := range m.tokens {
		if th == h {
			delete(m.tokens, t)
		}
	}
	return h
}

// Hosts snapshots the registry.
func (m *Metadata) Hosts() []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	return out
}

// HostByToken returns the host owning a token, or nil.
func (m *Metadata) HostByToken(token string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[token]
}

// setTokens reindexes one host's tokens.
func (m *Metadata) setTokens(h *Host, tokens []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, th := range m.tokens {
		if th == h {
			delete(m.tokens, t)
		}
	}
	for _, t := range tokens {
		m.tokens[t] = h
	}
}

// findByListenAddress correlates a catalog peer row with a registered
// host via the cluster-internal listen address.
func (m *Metadata) findByListenAddress(addr string) *Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.hosts {
		if h.listenAddr() == addr {
			return h
		}
	}
	return nil
}

// SchemaVersion is the last schema version observed by a refresh.
func (m *Metadata) SchemaVersion() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schema
}

func (m *Metadata) setSchemaVersion(v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schema = v
}
