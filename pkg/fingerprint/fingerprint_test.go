package fingerprint_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/fingerprint"
	"github.com/secshell/sshkex/pkg/protocol"
)

var _ = Describe("Fingerprint", func() {
	Describe("Format", func() {
		It("renders SHA256 as unpadded base64", func() {
			sum := sha256.Sum256(nil)
			s, err := fingerprint.Format(fingerprint.SHA256, sum[:])
			Expect(err).ToNot(HaveOccurred())
			Expect(s).To(Equal("SHA256:47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU"))
		})

		It("renders SHA1 as unpadded base64", func() {
			sum := sha1.Sum(nil)
			s, err := fingerprint.Format(fingerprint.SHA1, sum[:])
			Expect(err).ToNot(HaveOccurred())
			Expect(s).To(Equal("SHA1:2jmj7l5rSw0yVb/vlWAYkK/YBwk"))
		})

		It("renders MD5 as colon-separated hex", func() {
			sum := md5.Sum(nil)
			s, err := fingerprint.Format(fingerprint.MD5, sum[:])
			Expect(err).ToNot(HaveOccurred())
			Expect(s).To(Equal("MD5:d4:1d:8c:d9:8f:00:b2:04:e9:80:09:98:ec:f8:42:7e"))
		})

		It("renders an empty MD5 digest", func() {
			s, err := fingerprint.Format(fingerprint.MD5, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(s).To(Equal("MD5:"))
		})

		It("rejects unknown hash types", func() {
			_, err := fingerprint.Format(fingerprint.HashType(42), []byte{1})
			Expect(errors.Is(err, protocol.ErrInvalidParameter)).To(BeTrue())
		})
	})

	Describe("Print", func() {
		It("writes the formatted digest on its own line", func() {
			sum := sha256.Sum256([]byte("abc"))
			var buf bytes.Buffer
			Expect(fingerprint.Print(&buf, fingerprint.SHA256, sum[:])).To(Succeed())
			s, err := fingerprint.Format(fingerprint.SHA256, sum[:])
			Expect(err).ToNot(HaveOccurred())
			Expect(buf.String()).To(Equal(s + "\n"))
		})

		It("writes nothing for unknown hash types", func() {
			var buf bytes.Buffer
			err := fingerprint.Print(&buf, fingerprint.HashType(0), []byte{1})
			Expect(errors.Is(err, protocol.ErrInvalidParameter)).To(BeTrue())
			Expect(buf.Len()).To(BeZero())
		})
	})

	Describe("String", func() {
		var key ssh.PublicKey

		BeforeEach(func() {
			pub, _, err := ed25519.GenerateKey(rand.Reader)
			Expect(err).ToNot(HaveOccurred())
			key, err = ssh.NewPublicKey(pub)
			Expect(err).ToNot(HaveOccurred())
		})

		It("agrees with ssh.FingerprintSHA256", func() {
			s, err := fingerprint.String(fingerprint.SHA256, key)
			Expect(err).ToNot(HaveOccurred())
			Expect(s).To(Equal(ssh.FingerprintSHA256(key)))
		})

		It("agrees with ssh.FingerprintLegacyMD5", func() {
			s, err := fingerprint.String(fingerprint.MD5, key)
			Expect(err).ToNot(HaveOccurred())
			Expect(s).To(Equal("MD5:" + ssh.FingerprintLegacyMD5(key)))
		})

		It("hashes the wire encoding", func() {
			digest, err := fingerprint.Hash(fingerprint.SHA1, key)
			Expect(err).ToNot(HaveOccurred())
			sum := sha1.Sum(key.Marshal())
			Expect(digest).To(Equal(sum[:]))
			Expect(digest).To(HaveLen(fingerprint.SHA1.Size()))
		})
	})

	Describe("ParseHashType", func() {
		It("accepts every name", func() {
			for _, t := range []fingerprint.HashType{fingerprint.MD5, fingerprint.SHA1, fingerprint.SHA256} {
				parsed, err := fingerprint.ParseHashType(strings.ToLower(t.String()))
				Expect(err).ToNot(HaveOccurred())
				Expect(parsed).To(Equal(t))
			}
		})

		It("rejects unknown names", func() {
			_, err := fingerprint.ParseHashType("sha3")
			Expect(err).To(HaveOccurred())
		})
	})
})
