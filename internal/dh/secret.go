package dh

import (
	"fmt"

	"github.com/cronokirby/saferith"
)

const redacted = "[redacted]"

// secret holds a private exponent. Its contents are wiped by wipe and never formatted.
type secret struct {
	buf []byte
	nat *saferith.Nat
}

func newSecret(buf []byte) *secret {
	return &secret{buf: buf, nat: new(saferith.Nat).SetBytes(buf)}
}

// wipe overwrites the exponent bytes and the limbs of its big-integer form. Reloading an
// all-zero value of the same announced length reuses the existing limb storage.
func (s *secret) wipe() {
	if s == nil {
		return
	}
	zeroize(s.buf)
	if s.nat != nil {
		s.nat.SetBytes(make([]byte, len(s.buf)))
		s.nat = nil
	}
}

func (s *secret) String() string {
	return redacted
}

func (s *secret) GoString() string {
	return redacted
}

func (s *secret) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func zeroize(b []byte) {
	clear(b)
}
