package bcryptpbkdf_test

import (
	"bytes"
	"encoding/hex"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/secshell/sshkex/pkg/bcryptpbkdf"
	"github.com/secshell/sshkex/pkg/protocol"
)

var _ = Describe("Key", func() {
	password := []byte("password")
	salt := []byte("salt")

	It("matches the OpenBSD reference vector", func() {
		expected, err := hex.DecodeString("5bbf0cc293587f1c3635555c27796598d47e579071bf427e9d8fbe842aba34d9")
		Expect(err).ToNot(HaveOccurred())

		key, err := bcryptpbkdf.Key(password, salt, 4, 32)
		Expect(err).ToNot(HaveOccurred())
		Expect(key).To(Equal(expected))
	})

	It("interleaves longer outputs", func() {
		short, err := bcryptpbkdf.Key(password, salt, 4, 32)
		Expect(err).ToNot(HaveOccurred())
		long, err := bcryptpbkdf.Key(password, salt, 4, 64)
		Expect(err).ToNot(HaveOccurred())

		Expect(long).To(HaveLen(64))
		Expect(long[:32]).ToNot(Equal(short))
		// The first block lands on every other byte.
		for i := range short {
			Expect(long[2*i]).To(Equal(short[i]))
		}
	})

	It("is deterministic", func() {
		a, err := bcryptpbkdf.Key(password, salt, 8, 48)
		Expect(err).ToNot(HaveOccurred())
		b, err := bcryptpbkdf.Key(password, salt, 8, 48)
		Expect(err).ToNot(HaveOccurred())
		Expect(a).To(Equal(b))
	})

	It("changes completely with one more round", func() {
		a, err := bcryptpbkdf.Key(password, salt, 4, 32)
		Expect(err).ToNot(HaveOccurred())
		b, err := bcryptpbkdf.Key(password, salt, 5, 32)
		Expect(err).ToNot(HaveOccurred())
		Expect(a).ToNot(Equal(b))

		same := 0
		for i := range a {
			if a[i] == b[i] {
				same++
			}
		}
		Expect(same).To(BeNumerically("<", 8))
	})

	DescribeTable("handles output lengths that are not a multiple of the stride",
		func(keyLen int) {
			key, err := bcryptpbkdf.Key(password, salt, 2, keyLen)
			Expect(err).ToNot(HaveOccurred())
			Expect(key).To(HaveLen(keyLen))
			Expect(bytes.Count(key, []byte{0})).To(BeNumerically("<", keyLen/4+2))
		},
		Entry("1 byte", 1),
		Entry("33 bytes", 33),
		Entry("48 bytes (aes256-ctr key and iv)", 48),
		Entry("100 bytes", 100),
		Entry("maximum", bcryptpbkdf.MaxKeyLen),
	)

	DescribeTable("rejects invalid parameters",
		func(password, salt []byte, rounds, keyLen int) {
			key, err := bcryptpbkdf.Key(password, salt, rounds, keyLen)
			Expect(key).To(BeNil())
			Expect(errors.Is(err, protocol.ErrInvalidParameter)).To(BeTrue())
		},
		Entry("empty password", []byte{}, []byte("salt"), 4, 32),
		Entry("empty salt", []byte("password"), nil, 4, 32),
		Entry("oversized salt", []byte("password"), make([]byte, bcryptpbkdf.MaxSaltLen+1), 4, 32),
		Entry("zero rounds", []byte("password"), []byte("salt"), 0, 32),
		Entry("zero length output", []byte("password"), []byte("salt"), 4, 0),
		Entry("oversized output", []byte("password"), []byte("salt"), 4, bcryptpbkdf.MaxKeyLen+1),
	)
})
