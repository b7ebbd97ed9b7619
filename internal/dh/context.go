package dh

import (
	"io"

	"github.com/cronokirby/saferith"

	"github.com/secshell/sshkex/pkg/protocol"
)

// Side selects which half of the exchange a key pair belongs to.
type Side int

const (
	Client Side = iota
	Server
)

func (s Side) String() string {
	switch s {
	case Client:
		return "client"
	case Server:
		return "server"
	}
	return "unknown side"
}

// keyGenAttempts bounds retries when a freshly generated public value is degenerate, which for
// safe primes happens with negligible probability.
const keyGenAttempts = 4

type keypair struct {
	priv *secret
	pub  *saferith.Nat
}

// Context holds the state of one Diffie-Hellman exchange. A Context belongs to a single session
// and is not safe for concurrent use.
type Context struct {
	group *Group
	keys  [2]keypair
}

// New returns a Context over group.
func New(group *Group) (*Context, error) {
	if group == nil {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "nil group")
	}
	return &Context{group: group}, nil
}

// Group returns the group the Context was created with, or nil after Cleanup.
func (c *Context) Group() *Group {
	return c.group
}

func (c *Context) keypair(side Side) (*keypair, error) {
	if c.group == nil {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "context has been cleaned up")
	}
	if side != Client && side != Server {
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "invalid side %d", side)
	}
	return &c.keys[side], nil
}

// GenerateKeys draws a private exponent x for side and computes e = g^x mod p.
//
// x has exactly bits(p)-1 bits, which keeps it below p-1 and well above twice the security
// level of every supported group.
func (c *Context) GenerateKeys(side Side, rng io.Reader) error {
	kp, err := c.keypair(side)
	if err != nil {
		return err
	}
	bits := c.group.Bits() - 1
	size := (bits + 7) / 8
	excess := uint(size*8 - bits)

	for attempt := 0; attempt < keyGenAttempts; attempt++ {
		buf := make([]byte, size)
		if _, err := io.ReadFull(rng, buf); err != nil {
			zeroize(buf)
			return protocol.Errorf(protocol.ErrCodeRNGFailure, "reading private exponent: %s", err)
		}
		buf[0] &= 0xff >> excess
		buf[0] |= 0x80 >> excess

		x := newSecret(buf)
		e := new(saferith.Nat).Exp(c.group.g, x.nat, c.group.p)
		if !c.group.inRange(e) {
			x.wipe()
			continue
		}
		kp.priv.wipe()
		kp.priv = x
		kp.pub = e
		return nil
	}
	// Only a broken random source lands on the order-q subgroup boundary this often.
	return protocol.Errorf(protocol.ErrCodeRNGFailure, "no valid public value after %d attempts", keyGenAttempts)
}

// SetPeer stores the peer's public value for side after checking 1 < e < p-1. e is an unsigned
// big-endian integer; leading zeros are ignored.
func (c *Context) SetPeer(side Side, e []byte) error {
	kp, err := c.keypair(side)
	if err != nil {
		return err
	}
	v := new(saferith.Nat).SetBytes(e)
	if !c.group.inRange(v) {
		return protocol.Errorf(protocol.ErrCodeInvalidPeerKey, "%s public value outside (1, p-1)", side)
	}
	kp.priv.wipe()
	kp.priv = nil
	kp.pub = new(saferith.Nat).Mod(v, c.group.p)
	return nil
}

// PublicKey returns the public value for side as an mpint body.
func (c *Context) PublicKey(side Side) ([]byte, error) {
	kp, err := c.keypair(side)
	if err != nil {
		return nil, err
	}
	if kp.pub == nil {
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "no %s public value", side)
	}
	return protocol.MPIntBody(kp.pub.Bytes()), nil
}

// ComputeSharedSecret computes K = e_remote^x_local mod p and returns it as an mpint body. The
// caller owns the result and should wipe it once the session keys have been derived.
func (c *Context) ComputeSharedSecret(local, remote Side) ([]byte, error) {
	lkp, err := c.keypair(local)
	if err != nil {
		return nil, err
	}
	rkp, err := c.keypair(remote)
	if err != nil {
		return nil, err
	}
	if lkp.priv == nil {
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "no %s private key", local)
	}
	if rkp.pub == nil {
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "no %s public value", remote)
	}

	k := new(saferith.Nat).Exp(rkp.pub, lkp.priv.nat, c.group.p)
	defer k.SetBytes(make([]byte, (c.group.Bits()+7)/8))
	if !c.group.inRange(k) {
		return nil, protocol.NewError(protocol.ErrCodeInvalidSharedSecret, "K outside (1, p-1)")
	}
	raw := k.Bytes()
	defer zeroize(raw)
	return protocol.MPIntBody(raw), nil
}

// Cleanup wipes private exponents and drops the group reference. It is safe to call more than
// once; the Context is unusable afterwards.
func (c *Context) Cleanup() {
	for i := range c.keys {
		c.keys[i].priv.wipe()
		c.keys[i] = keypair{}
	}
	c.group = nil
}
