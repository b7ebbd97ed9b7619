// Package dh implements finite-field Diffie-Hellman over the MODP groups used by SSH.
//
// The package keeps a process-wide registry of the standard groups. Call [Init] before the first
// key exchange; after that the registry is immutable and safe for concurrent readers.
package dh

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cronokirby/saferith"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/protocol"
)

// GroupID names a standard MODP group.
type GroupID int

const (
	GroupCustom GroupID = 0
	Group1      GroupID = 1
	Group14     GroupID = 14
	Group16     GroupID = 16
	Group18     GroupID = 18
)

// generator is the SSH-mandated generator for every standard group.
const generator = 2

const (
	minGroupExchangeBits = 1024
	maxGroupExchangeBits = 8192
)

// Group is an immutable (p, g) pair.
type Group struct {
	id      GroupID
	p       *saferith.Modulus
	pMinus1 *saferith.Nat
	g       *saferith.Nat
	pBytes  []byte
	gBytes  []byte
}

func newGroup(id GroupID, p, g []byte) *Group {
	p = bytes.TrimLeft(p, "\x00")
	g = bytes.TrimLeft(g, "\x00")
	modulus := saferith.ModulusFromBytes(p)
	one := new(saferith.Nat).SetUint64(1)
	return &Group{
		id:      id,
		p:       modulus,
		pMinus1: new(saferith.Nat).Sub(modulus.Nat(), one, modulus.BitLen()),
		g:       new(saferith.Nat).SetBytes(g),
		pBytes:  append([]byte{}, p...),
		gBytes:  append([]byte{}, g...),
	}
}

// ID returns the group identifier, or GroupCustom for groups built with NewGroup.
func (g *Group) ID() GroupID {
	return g.id
}

// Bits returns the bit length of p.
func (g *Group) Bits() int {
	return g.p.BitLen()
}

// P returns a copy of the big-endian modulus.
func (g *Group) P() []byte {
	return append([]byte{}, g.pBytes...)
}

// G returns a copy of the big-endian generator.
func (g *Group) G() []byte {
	return append([]byte{}, g.gBytes...)
}

func (g *Group) String() string {
	if g.id == GroupCustom {
		return "custom group"
	}
	return fmt.Sprintf("group%d", g.id)
}

type registry struct {
	groups map[GroupID]*Group
}

var (
	current atomic.Pointer[registry]
	initMu  sync.Mutex
)

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Init parses the standard groups. Calling Init on an initialized registry is a no-op.
func Init() error {
	initMu.Lock()
	defer initMu.Unlock()
	if current.Load() != nil {
		return nil
	}
	g := []byte{generator}
	r := &registry{groups: map[GroupID]*Group{
		Group1:  newGroup(Group1, mustDecodeHex(group1Prime), g),
		Group14: newGroup(Group14, mustDecodeHex(group14Prime), g),
		Group16: newGroup(Group16, mustDecodeHex(group16Prime), g),
		Group18: newGroup(Group18, mustDecodeHex(group18Prime), g),
	}}
	current.Store(r)
	log.Trace("DH group registry initialized")
	return nil
}

// Finalize releases the registry. A later Init rebuilds it. Finalize must not race with
// in-progress key exchanges.
func Finalize() {
	initMu.Lock()
	defer initMu.Unlock()
	current.Store(nil)
}

// Initialized reports whether Init has been called since the last Finalize.
func Initialized() bool {
	return current.Load() != nil
}

// ByID returns a standard group.
func ByID(id GroupID) (*Group, error) {
	r := current.Load()
	if r == nil {
		return nil, protocol.ErrNotInitialized
	}
	g, ok := r.groups[id]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "unknown DH group %d", id)
	}
	return g, nil
}

// Lookup returns the standard group used by a fixed-group kex method.
func Lookup(kex protocol.KexType) (*Group, error) {
	switch kex {
	case protocol.KexDHGroup1SHA1:
		return ByID(Group1)
	case protocol.KexDHGroup14SHA1, protocol.KexDHGroup14SHA256:
		return ByID(Group14)
	case protocol.KexDHGroup16SHA512:
		return ByID(Group16)
	case protocol.KexDHGroup18SHA512:
		return ByID(Group18)
	case protocol.KexDHGexSHA1, protocol.KexDHGexSHA256:
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "%s negotiates its group at runtime", kex)
	}
	return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "no DH group for %s", kex)
}

// groupForBits applies the size thresholds shared by IsKnownGroup and FallbackGroup.
func groupForBits(bits int) GroupID {
	switch {
	case bits < 3072:
		return Group14
	case bits < 6144:
		return Group16
	default:
		return Group18
	}
}

// IsKnownGroup reports whether a modulus and generator received during group exchange match one
// of the standard 2048, 4096 or 8192-bit groups. An uninitialized registry knows no groups.
func IsKnownGroup(p, g []byte) bool {
	p = bytes.TrimLeft(p, "\x00")
	bits := new(saferith.Nat).SetBytes(p).TrueLen()
	known, err := ByID(groupForBits(bits))
	if err != nil {
		return false
	}
	if !bytes.Equal(known.pBytes, p) {
		return false
	}
	if !bytes.Equal(known.gBytes, bytes.TrimLeft(g, "\x00")) {
		return false
	}
	log.Trace("The received primes are known")
	return true
}

// FallbackGroup chooses a standard group for group exchange when no moduli file is available.
// pmax is the largest modulus size, in bits, the client accepts.
func FallbackGroup(pmax uint32) (*Group, error) {
	return ByID(groupForBits(int(pmax)))
}

// NewGroup builds a group from values negotiated through group exchange. The modulus must be odd
// and between 1024 and 8192 bits; the generator must lie in (1, p-1).
func NewGroup(p, g []byte) (*Group, error) {
	p = bytes.TrimLeft(p, "\x00")
	if len(p) == 0 || p[len(p)-1]&1 == 0 {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "modulus must be odd")
	}
	bits := new(saferith.Nat).SetBytes(p).TrueLen()
	if bits < minGroupExchangeBits || bits > maxGroupExchangeBits {
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "modulus size %d out of range", bits)
	}
	group := newGroup(GroupCustom, p, g)
	if !group.inRange(new(saferith.Nat).SetBytes(bytes.TrimLeft(g, "\x00"))) {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "generator out of range")
	}
	if IsKnownGroup(p, g) {
		group.id = groupForBits(bits)
	}
	return group, nil
}

// inRange reports whether 1 < v < p-1.
func (g *Group) inRange(v *saferith.Nat) bool {
	one := new(saferith.Nat).SetUint64(1)
	gtOne, _, _ := v.Cmp(one)
	_, _, ltPMinus1 := v.Cmp(g.pMinus1)
	return gtOne&ltPMinus1 == 1
}
