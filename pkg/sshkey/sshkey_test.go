package sshkey_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/bcryptpbkdf"
	"github.com/secshell/sshkex/pkg/sshkey"
)

const magic = "openssh-key-v1\x00"

type envelope struct {
	CipherName   string
	KdfName      string
	KdfOpts      string
	NumKeys      uint32
	PubKey       []byte
	PrivKeyBlock []byte
}

var keySizes = map[string]int{"aes128-ctr": 16, "aes192-ctr": 24, "aes256-ctr": 32, "aes256-cbc": 32}

// reencrypt takes an unencrypted openssh-key-v1 PEM and encrypts it with cipherName.
func reencrypt(plainPEM []byte, cipherName string, passphrase []byte) []byte {
	block, _ := pem.Decode(plainPEM)
	Expect(block).ToNot(BeNil())
	var env envelope
	Expect(ssh.Unmarshal(block.Bytes[len(magic):], &env)).To(Succeed())
	Expect(env.CipherName).To(Equal("none"))

	plain := append([]byte{}, env.PrivKeyBlock...)
	next := byte(1)
	if n := int(plain[len(plain)-1]); n > 0 && n < len(plain) {
		tail := plain[len(plain)-n:]
		sequential := true
		for i, b := range tail {
			sequential = sequential && int(b) == i+1
		}
		if sequential {
			next = byte(n + 1)
		}
	}
	for len(plain)%aes.BlockSize != 0 {
		plain = append(plain, next)
		next++
	}

	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	Expect(err).ToNot(HaveOccurred())
	const rounds = 4

	encrypted := make([]byte, len(plain))
	if keyLen, ok := keySizes[cipherName]; ok {
		derived, err := bcryptpbkdf.Key(passphrase, salt, rounds, keyLen+aes.BlockSize)
		Expect(err).ToNot(HaveOccurred())
		c, err := aes.NewCipher(derived[:keyLen])
		Expect(err).ToNot(HaveOccurred())
		if cipherName == "aes256-cbc" {
			cipher.NewCBCEncrypter(c, derived[keyLen:]).CryptBlocks(encrypted, plain)
		} else {
			cipher.NewCTR(c, derived[keyLen:]).XORKeyStream(encrypted, plain)
		}
	} else {
		copy(encrypted, plain)
	}

	env.CipherName = cipherName
	env.KdfName = "bcrypt"
	env.KdfOpts = string(ssh.Marshal(&struct {
		Salt   []byte
		Rounds uint32
	}{salt, rounds}))
	env.PrivKeyBlock = encrypted
	body := append([]byte(magic), ssh.Marshal(&env)...)
	return pem.EncodeToMemory(&pem.Block{Type: "OPENSSH PRIVATE KEY", Bytes: body})
}

func expectSameKey(signer ssh.Signer, pub ssh.PublicKey) {
	Expect(signer.PublicKey().Marshal()).To(Equal(pub.Marshal()))
	data := []byte("exchange hash")
	sig, err := signer.Sign(rand.Reader, data)
	Expect(err).ToNot(HaveOccurred())
	Expect(pub.Verify(data, sig)).To(Succeed())
}

var _ = Describe("sshkey", func() {
	var (
		pub        ssh.PublicKey
		plainPEM   []byte
		passphrase = []byte("correct horse battery staple")
	)

	BeforeEach(func() {
		edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).ToNot(HaveOccurred())
		pub, err = ssh.NewPublicKey(edPub)
		Expect(err).ToNot(HaveOccurred())
		block, err := ssh.MarshalPrivateKey(edPriv, "test key")
		Expect(err).ToNot(HaveOccurred())
		plainPEM = pem.EncodeToMemory(block)
	})

	Describe("unencrypted keys", func() {
		It("loads without a passphrase", func() {
			signer, err := sshkey.ParsePrivateKey(plainPEM, nil)
			Expect(err).ToNot(HaveOccurred())
			expectSameKey(signer, pub)

			encrypted, err := sshkey.IsEncrypted(plainPEM)
			Expect(err).ToNot(HaveOccurred())
			Expect(encrypted).To(BeFalse())
		})

		It("loads SEC1 keys", func() {
			ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			Expect(err).ToNot(HaveOccurred())
			der, err := x509.MarshalECPrivateKey(ecKey)
			Expect(err).ToNot(HaveOccurred())
			contents := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

			signer, err := sshkey.ParsePrivateKey(contents, nil)
			Expect(err).ToNot(HaveOccurred())
			ecPub, err := ssh.NewPublicKey(&ecKey.PublicKey)
			Expect(err).ToNot(HaveOccurred())
			expectSameKey(signer, ecPub)
		})
	})

	Describe("keys encrypted by x/crypto/ssh", func() {
		var encryptedPEM []byte

		BeforeEach(func() {
			_, edPriv, err := ed25519.GenerateKey(rand.Reader)
			Expect(err).ToNot(HaveOccurred())
			pub, err = ssh.NewPublicKey(edPriv.Public())
			Expect(err).ToNot(HaveOccurred())
			block, err := ssh.MarshalPrivateKeyWithPassphrase(edPriv, "test key", passphrase)
			Expect(err).ToNot(HaveOccurred())
			encryptedPEM = pem.EncodeToMemory(block)
		})

		It("unlocks with the right passphrase", func() {
			signer, err := sshkey.ParsePrivateKey(encryptedPEM, passphrase)
			Expect(err).ToNot(HaveOccurred())
			expectSameKey(signer, pub)
		})

		It("reports that a passphrase is needed", func() {
			encrypted, err := sshkey.IsEncrypted(encryptedPEM)
			Expect(err).ToNot(HaveOccurred())
			Expect(encrypted).To(BeTrue())

			_, err = sshkey.ParsePrivateKey(encryptedPEM, nil)
			Expect(err).To(MatchError(sshkey.ErrPassphraseRequired))
		})

		It("rejects the wrong passphrase", func() {
			_, err := sshkey.ParsePrivateKey(encryptedPEM, []byte("incorrect"))
			Expect(err).To(MatchError(sshkey.ErrIncorrectPassphrase))
		})

		It("reads the public key without decrypting", func() {
			p, err := sshkey.PublicKey(encryptedPEM)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Marshal()).To(Equal(pub.Marshal()))
		})

		It("loads from disk", func() {
			filename := filepath.Join(GinkgoT().TempDir(), "id_ed25519")
			Expect(os.WriteFile(filename, encryptedPEM, 0600)).To(Succeed())
			signer, err := sshkey.LoadPrivateKey(filename, passphrase)
			Expect(err).ToNot(HaveOccurred())
			expectSameKey(signer, pub)
		})
	})

	DescribeTable("decrypts every supported cipher",
		func(cipherName string) {
			Expect(sshkey.IsSupportedCipher(cipherName)).To(BeTrue())
			contents := reencrypt(plainPEM, cipherName, passphrase)

			signer, err := sshkey.ParsePrivateKey(contents, passphrase)
			Expect(err).ToNot(HaveOccurred())
			expectSameKey(signer, pub)

			_, err = sshkey.ParsePrivateKey(contents, []byte("wrong"))
			Expect(err).To(MatchError(sshkey.ErrIncorrectPassphrase))
		},
		Entry("aes128-ctr", "aes128-ctr"),
		Entry("aes192-ctr", "aes192-ctr"),
		Entry("aes256-ctr", "aes256-ctr"),
		Entry("aes256-cbc", "aes256-cbc"),
	)

	It("rejects unsupported ciphers", func() {
		contents := reencrypt(plainPEM, "chacha20-poly1305@openssh.com", passphrase)
		Expect(sshkey.IsSupportedCipher("chacha20-poly1305@openssh.com")).To(BeFalse())
		_, err := sshkey.ParsePrivateKey(contents, passphrase)
		Expect(err).To(MatchError(sshkey.ErrUnsupportedCipher))
	})

	It("rejects malformed containers", func() {
		contents := pem.EncodeToMemory(&pem.Block{Type: "OPENSSH PRIVATE KEY", Bytes: []byte("openssh-key-v0\x00")})
		_, err := sshkey.ParsePrivateKey(contents, passphrase)
		Expect(err).To(MatchError(sshkey.ErrInvalidKey))

		_, err = sshkey.ParsePrivateKey([]byte("not a key"), nil)
		Expect(err).To(MatchError(sshkey.ErrInvalidKey))
	})

	It("does not modify the caller's buffer", func() {
		contents := reencrypt(plainPEM, "aes256-ctr", passphrase)
		original := bytes.Clone(contents)
		_, err := sshkey.ParsePrivateKey(contents, passphrase)
		Expect(err).ToNot(HaveOccurred())
		Expect(contents).To(Equal(original))
	})
})
