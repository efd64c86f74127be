// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package geoip

import (
	"log/slog"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

const (
	defaultCacheSize = 65536
	Unknown          = "UNKNOWN"
)

// countryDB is the part of *geoip2.Reader the lookup needs.
type countryDB interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Lookup resolves the country of IPv4 flow endpoints through a MaxMind
// GeoLite2-Country database with an LRU in front of it. A nil *Lookup is
// valid and answers Unknown for everything.
type Lookup struct {
	mu    sync.RWMutex
	db    countryDB
	cache *lruCache
}

// NewWithCacheSize opens the database at path. If cacheSize <= 0,
// defaultCacheSize is used.
func NewWithCacheSize(path string, cacheSize int) (*Lookup, error) {
	slog.Debug("opening GeoIP database", "path", path, "cache_size", cacheSize)
	db, err := geoip2.Open(path)
	if err != nil {
		slog.Error("GeoIP database open failed", "path", path, "err", err)
		return nil, err
	}
	slog.Info("GeoIP database opened", "path", path)
	return newLookup(db, cacheSize), nil
}

func newLookup(db countryDB, cacheSize int) *Lookup {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Lookup{db: db, cache: newLRUCache(cacheSize)}
}

func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		slog.Debug("GeoIP Close: already closed")
		return nil
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		slog.Error("GeoIP database close failed", "err", err)
		return err
	}
	slog.Info("GeoIP database closed")
	return nil
}

// Country returns the ISO country code for a network-order IPv4 address.
// Failed lookups are cached as Unknown too, so a bad address costs one DB
// query per cache lifetime.
func (l *Lookup) Country(addr uint32) string {
	if l == nil {
		return Unknown
	}
	if cc, ok := l.cache.get(addr); ok {
		return cc
	}
	ip := net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db == nil {
		slog.Warn("GeoIP lookup on closed database", "ip", ip.String())
		return Unknown
	}
	record, err := db.Country(ip)
	if err != nil {
		slog.Debug("GeoIP country lookup failed", "ip", ip.String(), "err", err)
		l.cache.put(addr, Unknown)
		return Unknown
	}
	cc := Unknown
	if record.Country.IsoCode != "" {
		cc = record.Country.IsoCode
	}
	l.cache.put(addr, cc)
	return cc
}
