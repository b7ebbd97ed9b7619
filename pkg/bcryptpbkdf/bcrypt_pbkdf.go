// Package bcryptpbkdf implements the bcrypt_pbkdf key derivation function used to protect
// OpenSSH private keys.
//
// The output is interleaved across blocks rather than concatenated, so an attacker must compute
// the full output to recover any prefix of it.
package bcryptpbkdf

import (
	"crypto/sha512"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blowfish"

	"github.com/secshell/sshkex/pkg/protocol"
)

const (
	// HashSize is the size of one bcrypt_hash output block.
	HashSize = 32
	// MaxKeyLen is the largest output Key will produce.
	MaxKeyLen = HashSize * HashSize
	// MaxSaltLen is the largest salt Key accepts.
	MaxSaltLen = 1 << 20

	hashRounds = 64
)

var magic = []byte("OxychromaticBlowfishSwatDynamite")

// Key derives keyLen bytes from password and salt using the given number of rounds.
//
// It returns a protocol.Error with code ErrCodeInvalidParameter if password or salt are empty,
// salt is longer than MaxSaltLen, rounds is less than one, or keyLen falls outside
// (0, MaxKeyLen]. No output is returned on failure.
func Key(password, salt []byte, rounds, keyLen int) ([]byte, error) {
	switch {
	case len(password) == 0:
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "empty password")
	case len(salt) == 0:
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "empty salt")
	case len(salt) > MaxSaltLen:
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "salt exceeds %d bytes", MaxSaltLen)
	case rounds < 1:
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "invalid round count %d", rounds)
	case keyLen <= 0 || keyLen > MaxKeyLen:
		return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "invalid key length %d", keyLen)
	}

	stride := (keyLen + HashSize - 1) / HashSize
	amt := (keyLen + stride - 1) / stride

	d := newDeriver(password)
	defer d.wipe()

	key := make([]byte, keyLen)
	countSalt := make([]byte, len(salt)+4)
	defer clear(countSalt)
	copy(countSalt, salt)

	remaining := keyLen
	for count := uint32(1); remaining > 0; count++ {
		binary.BigEndian.PutUint32(countSalt[len(salt):], count)
		d.block(countSalt, rounds)

		placed := 0
		for ; placed < amt; placed++ {
			dest := placed*stride + int(count-1)
			if dest >= keyLen {
				break
			}
			key[dest] = d.acc[placed]
		}
		remaining -= placed
	}
	return key, nil
}

// deriver holds the transient state of one derivation.
type deriver struct {
	h        hash.Hash
	sha2pass []byte
	sha2salt []byte
	tmp      [HashSize]byte
	acc      [HashSize]byte
}

func newDeriver(password []byte) *deriver {
	d := &deriver{h: sha512.New()}
	d.h.Write(password)
	d.sha2pass = d.h.Sum(nil)
	d.sha2salt = make([]byte, 0, sha512.Size)
	return d
}

// block computes one output block over countSalt into d.acc.
func (d *deriver) block(countSalt []byte, rounds int) {
	d.h.Reset()
	d.h.Write(countSalt)
	d.sha2salt = d.h.Sum(d.sha2salt[:0])
	bcryptHash(d.tmp[:], d.sha2pass, d.sha2salt)
	d.acc = d.tmp

	for i := 1; i < rounds; i++ {
		d.h.Reset()
		d.h.Write(d.tmp[:])
		d.sha2salt = d.h.Sum(d.sha2salt[:0])
		bcryptHash(d.tmp[:], d.sha2pass, d.sha2salt)
		for j := range d.acc {
			d.acc[j] ^= d.tmp[j]
		}
	}
}

func (d *deriver) wipe() {
	clear(d.sha2pass)
	clear(d.sha2salt[:cap(d.sha2salt)])
	clear(d.tmp[:])
	clear(d.acc[:])
	d.h.Reset()
}

// bcryptHash writes HashSize bytes to out.
func bcryptHash(out, sha2pass, sha2salt []byte) {
	// NewSaltedCipher only rejects empty keys and sha2pass is always a full digest.
	c, err := blowfish.NewSaltedCipher(sha2pass, sha2salt)
	if err != nil {
		panic(err)
	}
	defer func() { *c = blowfish.Cipher{} }()

	for i := 0; i < hashRounds; i++ {
		blowfish.ExpandKey(sha2salt, c)
		blowfish.ExpandKey(sha2pass, c)
	}

	copy(out, magic)
	for i := 0; i < HashSize; i += blowfish.BlockSize {
		for j := 0; j < hashRounds; j++ {
			c.Encrypt(out[i:i+blowfish.BlockSize], out[i:i+blowfish.BlockSize])
		}
	}

	// Each 32-bit word is emitted little-endian.
	for i := 0; i < HashSize; i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = out[i+3], out[i+2], out[i+1], out[i]
	}
}
