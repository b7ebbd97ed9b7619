package sshkex

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/protocol"
)

var _ = Describe("Negotiation", func() {
	var client, server *protocol.KexInitMsg

	BeforeEach(func() {
		var err error
		client, err = newKexInit(&Config{}, true)
		Expect(err).ToNot(HaveOccurred())
		server, err = newKexInit(&Config{
			HostKeys: []ssh.Signer{newTestSigner()},
		}, false)
		Expect(err).ToNot(HaveOccurred())
	})

	It("picks the client's first supported algorithm", func() {
		server.KexAlgos = []string{"curve25519-sha256", protocol.KexDHGroup14SHA256.String(), protocol.KexDHGroup18SHA512.String()}
		algs, err := findAgreedAlgorithms(client, server)
		Expect(err).ToNot(HaveOccurred())
		Expect(algs.Kex).To(Equal(protocol.KexDHGroup18SHA512))
		Expect(algs.HostKey).To(Equal(ssh.KeyAlgoED25519))
		Expect(algs.ServerToClient.Compression).To(Equal("none"))
	})

	It("fails for every list without overlap", func() {
		server.MACsServerClient = []string{"hmac-md5"}
		_, err := findAgreedAlgorithms(client, server)
		Expect(errors.Is(err, protocol.ErrNoCommonAlgorithm)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("server to client MAC"))
	})

	It("never offers group exchange", func() {
		msg, err := newKexInit(&Config{KexAlgorithms: []protocol.KexType{protocol.KexDHGexSHA256, protocol.KexDHGroup14SHA256}}, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.KexAlgos).To(Equal([]string{protocol.KexDHGroup14SHA256.String()}))

		_, err = newKexInit(&Config{KexAlgorithms: []protocol.KexType{protocol.KexDHGexSHA1}}, true)
		Expect(errors.Is(err, protocol.ErrInvalidParameter)).To(BeTrue())
	})

	It("draws a fresh cookie", func() {
		other, err := newKexInit(&Config{}, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(other.Cookie).ToNot(Equal(client.Cookie))

		_, err = newKexInit(&Config{Rand: bytes.NewReader(nil)}, true)
		Expect(errors.Is(err, protocol.ErrRNGFailure)).To(BeTrue())
	})

	It("detects wrong first kex guesses", func() {
		algs, err := findAgreedAlgorithms(client, server)
		Expect(err).ToNot(HaveOccurred())
		Expect(guessedRight(client, algs)).To(BeTrue())

		server.KexAlgos = []string{protocol.KexDHGroup14SHA1.String()}
		algs, err = findAgreedAlgorithms(client, server)
		Expect(err).ToNot(HaveOccurred())
		Expect(guessedRight(client, algs)).To(BeFalse())
	})

	It("rejects packets that are not KEXINIT", func() {
		_, err := parseKexInit([]byte{protocol.MsgNewKeys})
		Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		_, err = parseKexInit(nil)
		Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())

		msg, err := parseKexInit(ssh.Marshal(client))
		Expect(err).ToNot(HaveOccurred())
		Expect(msg.KexAlgos).To(Equal(client.KexAlgos))
	})
})

var _ = Describe("Host key selection", func() {
	It("maps RSA SHA-2 algorithms to ssh-rsa keys", func() {
		Expect(keyTypeForAlgorithm(ssh.KeyAlgoRSASHA512)).To(Equal(ssh.KeyAlgoRSA))
		Expect(keyTypeForAlgorithm(ssh.KeyAlgoED25519)).To(Equal(ssh.KeyAlgoED25519))
		Expect(algorithmsForKeyType(ssh.KeyAlgoRSA)).To(ContainElement(ssh.KeyAlgoRSASHA256))
	})

	It("returns the signer for the negotiated algorithm", func() {
		signer := newTestSigner()
		provider := &hostKeys{signers: []ssh.Signer{signer}, algorithm: ssh.KeyAlgoED25519}
		got, algorithm, err := provider.HostKey(protocol.KexDHGroup14SHA256)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(signer))
		Expect(algorithm).To(Equal(ssh.KeyAlgoED25519))

		provider.algorithm = ssh.KeyAlgoECDSA256
		_, _, err = provider.HostKey(protocol.KexDHGroup14SHA256)
		Expect(errors.Is(err, protocol.ErrSignatureFailure)).To(BeTrue())
	})
})

func newTestSigner() ssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).ToNot(HaveOccurred())
	signer, err := ssh.NewSignerFromKey(priv)
	Expect(err).ToNot(HaveOccurred())
	return signer
}
