package knownhosts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/fingerprint"
	"github.com/secshell/sshkex/pkg/protocol"
)

// ErrUnknownHost is returned by a callback that does not trust hosts on first use.
var ErrUnknownHost = errors.New("knownhosts: unknown host")

// Entry is one trusted host key.
type Entry struct {
	KeyType     string    `json:"key_type"`
	Fingerprint string    `json:"fingerprint"`
	AddedAt     time.Time `json:"added_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type HostCache struct {
	MaxEntries int                `json:"max_entries"`
	Hosts      map[string][]Entry `json:"hosts"`
	lock       sync.Mutex

	now func() time.Time
}

// New returns a HostCache that holds keys for up to maxEntries hosts. The HostCache uses a
// least-recently-used (LRU) eviction strategy, where a host is "used" when one of its keys is
// accepted by a callback.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *HostCache {
	return &HostCache{
		MaxEntries: maxEntries,
		Hosts:      make(map[string][]Entry),
	}
}

// Import a HostCache using data in r.
// The data should previously have been generated using [HostCache.Export].
func Import(r io.Reader) (*HostCache, error) {
	var cache HostCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Hosts == nil {
		cache.Hosts = make(map[string][]Entry)
	}
	return &cache, nil
}

// ImportFromFile reads a HostCache from disk.
func ImportFromFile(filename string) (*HostCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized HostCache to w.
func (c *HostCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a HostCache to disk.
func (c *HostCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

func (c *HostCache) timestamp() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Update records key as trusted for host, replacing any key of the same type.
func (c *HostCache) Update(host string, key ssh.PublicKey) error {
	fp, err := fingerprint.String(fingerprint.SHA256, key)
	if err != nil {
		return err
	}
	host = knownhosts.Normalize(host)
	now := c.timestamp()

	c.lock.Lock()
	defer c.lock.Unlock()

	entry := Entry{KeyType: key.Type(), Fingerprint: fp, AddedAt: now, LastSeen: now}
	entries := c.Hosts[host]
	replaced := false
	for i := range entries {
		if entries[i].KeyType == entry.KeyType {
			entries[i] = entry
			replaced = true
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	c.Hosts[host] = entries
	c.evict(host)
	return nil
}

// evict drops the least recently seen host other than keep. c.lock must be held.
func (c *HostCache) evict(keep string) {
	if c.MaxEntries <= 0 || len(c.Hosts) <= c.MaxEntries {
		return
	}
	oldestHost := keep
	oldestSeen := c.timestamp()
	for h, entries := range c.Hosts {
		// A host's age is the age of its most recently seen key.
		mostRecent := time.Time{}
		for _, entry := range entries {
			if entry.LastSeen.After(mostRecent) {
				mostRecent = entry.LastSeen
			}
		}
		if h != keep && mostRecent.Before(oldestSeen) {
			oldestHost = h
			oldestSeen = mostRecent
		}
	}
	delete(c.Hosts, oldestHost)
}

// GetEntry returns the keys trusted for host.
func (c *HostCache) GetEntry(host string) ([]Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entries, ok := c.Hosts[knownhosts.Normalize(host)]
	return append([]Entry(nil), entries...), ok
}

// Remove forgets every key trusted for host.
func (c *HostCache) Remove(host string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.Hosts, knownhosts.Normalize(host))
}

// Check returns nil if key is trusted for host, ErrUnknownHost if host has no key of that type,
// and protocol.ErrHostKeyMismatch if host has a different key of that type.
func (c *HostCache) Check(host string, key ssh.PublicKey) error {
	fp, err := fingerprint.String(fingerprint.SHA256, key)
	if err != nil {
		return err
	}
	host = knownhosts.Normalize(host)

	c.lock.Lock()
	defer c.lock.Unlock()

	entries := c.Hosts[host]
	for i := range entries {
		if entries[i].KeyType != key.Type() {
			continue
		}
		if entries[i].Fingerprint != fp {
			return protocol.Errorf(protocol.ErrCodeHostKeyMismatch, "%s presented %s, expected %s", host, fp, entries[i].Fingerprint)
		}
		entries[i].LastSeen = c.timestamp()
		return nil
	}
	return fmt.Errorf("%w: no %s key for %s", ErrUnknownHost, key.Type(), host)
}

// HostKeyCallback returns a callback for the key exchange driver. If tofu is true, keys for hosts
// (or key types) that have not been seen before are recorded and accepted.
func (c *HostCache) HostKeyCallback(tofu bool) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		err := c.Check(hostname, key)
		if err == nil || !errors.Is(err, ErrUnknownHost) || !tofu {
			return err
		}
		fp, _ := fingerprint.String(fingerprint.SHA256, key)
		log.Info("Permanently trusting %s key %s for %s", key.Type(), fp, knownhosts.Normalize(hostname))
		return c.Update(hostname, key)
	}
}
