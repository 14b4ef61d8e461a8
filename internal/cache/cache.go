// Package cache is the shared build cache bridge: a lookup-before-build and
// store-after-build side channel that can satisfy a task from previously
// produced results instead of running its body.
//
// Entries are content-addressed: the address is a hash of the task type tag,
// the key bytes, and the fingerprints of the resolved dependency values. A
// fingerprint hashes the dependency's value, not its identity, so a hit is
// valid regardless of how the dependency's value was produced. Two tiers are
// consulted in order: a local directory (fast, no network) and an optional
// remote store; a remote hit is opportunistically written into the local
// tier. Cache failures are never build failures — every error here degrades
// to a miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stepforge/stepforge/internal/registry"
)

// ErrNotFound reports that a tier has no entry for an address.
var ErrNotFound = errors.New("cache: entry not found")

// Remote is the contract a remote cache tier must satisfy. The network
// transport behind it is out of the engine's hands.
type Remote interface {
	Get(ctx context.Context, address string) ([]byte, error)
	Put(ctx context.Context, address string, data []byte) error
}

// Entry is one cached result: the value bytes plus the dependency keys that
// produced it, so a hit can record dependencies exactly as a real build.
type Entry struct {
	Value []byte         `json:"value"`
	Deps  []registry.Key `json:"deps,omitempty"`
}

// Fingerprint returns the content hash of a resolved dependency value.
func Fingerprint(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Address computes the content address of a cache entry from the task type
// tag, the key bytes, and the ordered dependency fingerprints. Components
// are length-prefixed so no two distinct inputs collide by concatenation.
func Address(typeTag string, keyBytes []byte, fingerprints []string) string {
	h := sha256.New()
	writePart := func(p []byte) {
		var n [8]byte
		for i := 0; i < 8; i++ {
			n[i] = byte(len(p) >> (8 * i))
		}
		h.Write(n[:])
		h.Write(p)
	}
	writePart([]byte(typeTag))
	writePart(keyBytes)
	for _, fp := range fingerprints {
		writePart([]byte(fp))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Bridge wires the two cache tiers together behind Lookup and Store.
type Bridge struct {
	dir    string
	remote *remoteTier
	log    *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRemote attaches a remote tier, guarded by retry and a circuit breaker.
func WithRemote(r Remote) Option {
	return func(b *Bridge) {
		if r != nil {
			b.remote = newRemoteTier(r)
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// NewBridge creates a cache bridge over the local directory dir.
func NewBridge(dir string, opts ...Option) (*Bridge, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: no directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", dir, err)
	}

	b := &Bridge{dir: dir, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Lookup consults the local tier, then the remote tier. A remote hit is
// written back into the local tier before returning.
func (b *Bridge) Lookup(ctx context.Context, typeTag string, keyBytes []byte, fingerprints []string) (*Entry, bool) {
	addr := Address(typeTag, keyBytes, fingerprints)

	if entry, err := b.readLocal(addr); err == nil {
		return entry, true
	} else if !errors.Is(err, ErrNotFound) {
		b.log.Warn("cache: unreadable local entry, treating as miss", "address", addr, "error", err)
	}

	if b.remote == nil {
		return nil, false
	}

	data, err := b.remote.get(ctx, addr)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.log.Warn("cache: remote lookup failed, treating as miss", "address", addr, "error", err)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		b.log.Warn("cache: corrupt remote entry, treating as miss", "address", addr, "error", err)
		return nil, false
	}

	if err := b.writeLocal(addr, data); err != nil {
		b.log.Warn("cache: failed to backfill local tier", "address", addr, "error", err)
	}
	return &entry, true
}

// Store writes an entry into the local tier and, when configured, the remote
// tier. Failures are logged, never returned to the build.
func (b *Bridge) Store(ctx context.Context, typeTag string, keyBytes []byte, fingerprints []string, entry *Entry) {
	addr := Address(typeTag, keyBytes, fingerprints)

	data, err := json.Marshal(entry)
	if err != nil {
		b.log.Warn("cache: failed to encode entry", "address", addr, "error", err)
		return
	}

	if err := b.writeLocal(addr, data); err != nil {
		b.log.Warn("cache: failed to write local entry", "address", addr, "error", err)
	}
	if b.remote != nil {
		if err := b.remote.put(ctx, addr, data); err != nil {
			b.log.Warn("cache: failed to write remote entry", "address", addr, "error", err)
		}
	}
}

// entryPath shards entries by address prefix to keep directories small.
func (b *Bridge) entryPath(addr string) string {
	return filepath.Join(b.dir, addr[:2], addr+".json")
}

func (b *Bridge) readLocal(addr string) (*Entry, error) {
	data, err := os.ReadFile(b.entryPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// writeLocal writes through a temp file and renames it into place, so a
// concurrent reader never observes a partially written entry.
func (b *Bridge) writeLocal(addr string, data []byte) error {
	path := b.entryPath(addr)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
