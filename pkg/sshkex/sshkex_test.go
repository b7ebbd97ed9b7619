package sshkex_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/knownhosts"
	"github.com/secshell/sshkex/pkg/protocol"
	"github.com/secshell/sshkex/pkg/sshkex"
)

type outcome struct {
	result *sshkex.Result
	err    error
}

func connPair() (net.Conn, net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()
	client, err := net.Dial("tcp", listener.Addr().String())
	Expect(err).ToNot(HaveOccurred())
	server := <-accepted
	Expect(server).ToNot(BeNil())
	DeferCleanup(client.Close)
	DeferCleanup(server.Close)
	return client, server
}

func exchange(clientConfig, serverConfig *sshkex.Config) (client, server outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	clientConn, serverConn := connPair()

	done := make(chan outcome, 1)
	go func() {
		defer GinkgoRecover()
		result, err := sshkex.Server(ctx, serverConn, serverConfig)
		done <- outcome{result, err}
	}()
	result, err := sshkex.Client(ctx, clientConn, "kex.example.com:22", clientConfig)
	client = outcome{result, err}
	server = <-done
	return client, server
}

func newEd25519Signer() ssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).ToNot(HaveOccurred())
	signer, err := ssh.NewSignerFromKey(priv)
	Expect(err).ToNot(HaveOccurred())
	return signer
}

func acceptAll(string, net.Addr, ssh.PublicKey) error { return nil }

// forgedSigner advertises one key and signs with another.
type forgedSigner struct {
	ssh.Signer
	other ssh.Signer
}

func (f forgedSigner) Sign(r io.Reader, data []byte) (*ssh.Signature, error) {
	return f.other.Sign(r, data)
}

var _ = Describe("Key exchange", func() {
	var hostKey ssh.Signer

	BeforeEach(func() {
		hostKey = newEd25519Signer()
	})

	DescribeTable("agrees on K and H",
		func(kexType protocol.KexType) {
			clientConfig := &sshkex.Config{
				KexAlgorithms:   []protocol.KexType{kexType},
				HostKeyCallback: acceptAll,
			}
			serverConfig := &sshkex.Config{HostKeys: []ssh.Signer{hostKey}}

			client, server := exchange(clientConfig, serverConfig)
			Expect(client.err).ToNot(HaveOccurred())
			Expect(server.err).ToNot(HaveOccurred())

			Expect(client.result.Kex).To(Equal(kexType))
			Expect(server.result.Kex).To(Equal(kexType))
			Expect(client.result.HostKey).To(Equal(ssh.KeyAlgoED25519))
			Expect(client.result.K).ToNot(BeEmpty())
			Expect(client.result.K).To(Equal(server.result.K))
			Expect(client.result.H).To(Equal(server.result.H))
			Expect(client.result.H).To(HaveLen(kexType.Hash().Size()))
			Expect(client.result.SessionID).To(Equal(client.result.H))
			Expect(client.result.ServerHostKey.Marshal()).To(Equal(hostKey.PublicKey().Marshal()))
			Expect(string(client.result.ClientVersion)).To(Equal(sshkex.DefaultVersion))
			Expect(client.result.ServerVersion).To(Equal(server.result.ServerVersion))
			Expect(client.result.ClientToServer.Cipher).To(Equal(sshkex.DefaultCiphers[0]))

			client.result.Wipe()
			Expect(client.result.K).To(BeNil())
			Expect(server.result.K).ToNot(BeEmpty())
		},
		Entry("group1", protocol.KexDHGroup1SHA1),
		Entry("group14-sha1", protocol.KexDHGroup14SHA1),
		Entry("group14-sha256", protocol.KexDHGroup14SHA256),
		Entry("group16", protocol.KexDHGroup16SHA512),
		Entry("group18", protocol.KexDHGroup18SHA512),
	)

	It("uses the client's preference order", func() {
		clientConfig := &sshkex.Config{
			KexAlgorithms:   []protocol.KexType{protocol.KexDHGroup14SHA256, protocol.KexDHGroup16SHA512},
			HostKeyCallback: acceptAll,
		}
		serverConfig := &sshkex.Config{
			KexAlgorithms: []protocol.KexType{protocol.KexDHGroup16SHA512, protocol.KexDHGroup14SHA256},
			HostKeys:      []ssh.Signer{hostKey},
		}
		client, server := exchange(clientConfig, serverConfig)
		Expect(client.err).ToNot(HaveOccurred())
		Expect(server.err).ToNot(HaveOccurred())
		Expect(client.result.Kex).To(Equal(protocol.KexDHGroup14SHA256))
	})

	It("negotiates RSA SHA-2 signatures", func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).ToNot(HaveOccurred())
		rsaSigner, err := ssh.NewSignerFromKey(key)
		Expect(err).ToNot(HaveOccurred())

		clientConfig := &sshkex.Config{
			KexAlgorithms:     []protocol.KexType{protocol.KexDHGroup14SHA256},
			HostKeyAlgorithms: []string{ssh.KeyAlgoRSASHA256},
			HostKeyCallback:   acceptAll,
		}
		serverConfig := &sshkex.Config{HostKeys: []ssh.Signer{hostKey, rsaSigner}}
		client, server := exchange(clientConfig, serverConfig)
		Expect(client.err).ToNot(HaveOccurred())
		Expect(server.err).ToNot(HaveOccurred())
		Expect(client.result.HostKey).To(Equal(ssh.KeyAlgoRSASHA256))
		Expect(client.result.ServerHostKey.Marshal()).To(Equal(rsaSigner.PublicKey().Marshal()))
	})

	It("fails without a common kex algorithm", func() {
		clientConfig := &sshkex.Config{
			KexAlgorithms:   []protocol.KexType{protocol.KexDHGroup1SHA1},
			HostKeyCallback: acceptAll,
		}
		serverConfig := &sshkex.Config{
			KexAlgorithms: []protocol.KexType{protocol.KexDHGroup16SHA512},
			HostKeys:      []ssh.Signer{hostKey},
		}
		client, server := exchange(clientConfig, serverConfig)
		Expect(errors.Is(client.err, protocol.ErrNoCommonAlgorithm)).To(BeTrue())
		Expect(errors.Is(server.err, protocol.ErrNoCommonAlgorithm)).To(BeTrue())
	})

	It("rejects a signature made by another key", func() {
		serverConfig := &sshkex.Config{
			HostKeys: []ssh.Signer{forgedSigner{Signer: hostKey, other: newEd25519Signer()}},
		}
		client, _ := exchange(&sshkex.Config{HostKeyCallback: acceptAll}, serverConfig)
		Expect(errors.Is(client.err, protocol.ErrSignatureFailure)).To(BeTrue())
		Expect(client.result).To(BeNil())
	})

	It("reports host key callback failures", func() {
		reject := errors.New("not today")
		clientConfig := &sshkex.Config{
			HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
				Expect(hostname).To(Equal("kex.example.com:22"))
				Expect(remote).ToNot(BeNil())
				return reject
			},
		}
		client, _ := exchange(clientConfig, &sshkex.Config{HostKeys: []ssh.Signer{hostKey}})
		var hostKeyErr *sshkex.HostKeyError
		Expect(errors.As(client.err, &hostKeyErr)).To(BeTrue())
		Expect(client.err).To(MatchError(reject))
	})

	It("detects changed host keys through the known hosts cache", func() {
		cache := knownhosts.New(0)
		clientConfig := &sshkex.Config{HostKeyCallback: cache.HostKeyCallback(true)}

		client, _ := exchange(clientConfig, &sshkex.Config{HostKeys: []ssh.Signer{hostKey}})
		Expect(client.err).ToNot(HaveOccurred())
		entries, ok := cache.GetEntry("kex.example.com")
		Expect(ok).To(BeTrue())
		Expect(entries).To(HaveLen(1))

		client, _ = exchange(clientConfig, &sshkex.Config{HostKeys: []ssh.Signer{newEd25519Signer()}})
		Expect(errors.Is(client.err, protocol.ErrHostKeyMismatch)).To(BeTrue())
	})

	It("validates the configuration", func() {
		clientConn, serverConn := connPair()
		_, err := sshkex.Client(context.Background(), clientConn, "host", &sshkex.Config{})
		Expect(errors.Is(err, protocol.ErrInvalidParameter)).To(BeTrue())
		_, err = sshkex.Server(context.Background(), serverConn, &sshkex.Config{})
		Expect(errors.Is(err, protocol.ErrInvalidParameter)).To(BeTrue())
	})

	It("stops when the context is cancelled", func() {
		clientConn, _ := connPair()
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := sshkex.Client(ctx, clientConn, "host", &sshkex.Config{HostKeyCallback: acceptAll})
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})
