// Package sshkex runs the initial SSH key exchange over a connection using finite-field
// Diffie-Hellman.
//
// Client and Server exchange version lines and SSH_MSG_KEXINIT, negotiate algorithms, run
// diffie-hellman-group* and stop after SSH_MSG_NEWKEYS. The client verifies the server's
// signature over the exchange hash and checks the host key with a callback. The [Result] carries
// the shared secret K and exchange hash H needed to derive session keys.
package sshkex

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/protocol"
)

// DefaultVersion is sent when Config.Version is empty.
const DefaultVersion = "SSH-2.0-sshkex_1.0"

var (
	// DefaultCiphers are advertised when Config.Ciphers is empty. Ciphers are negotiated but not
	// used by this package.
	DefaultCiphers = []string{"aes128-ctr", "aes192-ctr", "aes256-ctr"}
	// DefaultMACs are advertised when Config.MACs is empty.
	DefaultMACs = []string{"hmac-sha2-256", "hmac-sha2-512"}
	// DefaultHostKeyAlgorithms are preferred by clients when Config.HostKeyAlgorithms is empty.
	DefaultHostKeyAlgorithms = []string{
		ssh.KeyAlgoED25519,
		ssh.KeyAlgoECDSA256,
		ssh.KeyAlgoECDSA384,
		ssh.KeyAlgoECDSA521,
		ssh.KeyAlgoRSASHA512,
		ssh.KeyAlgoRSASHA256,
		ssh.KeyAlgoRSA,
	}

	compressionNone = []string{"none"}
)

// Config controls a key exchange. The same Config may be shared by concurrent exchanges.
type Config struct {
	// Rand is the source of private exponents, padding and cookies. Defaults to
	// crypto/rand.Reader.
	Rand io.Reader

	// Version is the identification string, without CR LF.
	Version string

	// KexAlgorithms in order of preference. Defaults to protocol.DefaultKexTypes.
	KexAlgorithms []protocol.KexType

	// HostKeyAlgorithms in order of preference. Servers derive the list from HostKeys when it is
	// empty.
	HostKeyAlgorithms []string

	Ciphers []string
	MACs    []string

	// HostKeyCallback is required on clients.
	HostKeyCallback ssh.HostKeyCallback

	// HostKeys is required on servers.
	HostKeys []ssh.Signer
}

func (c *Config) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Config) version() string {
	if c.Version == "" {
		return DefaultVersion
	}
	return c.Version
}

func (c *Config) kexAlgorithms() []string {
	kexTypes := c.KexAlgorithms
	if len(kexTypes) == 0 {
		kexTypes = protocol.DefaultKexTypes
	}
	names := make([]string, 0, len(kexTypes))
	for _, k := range kexTypes {
		// Group exchange needs a modulus negotiation round this package does not run.
		if k.IsGroupExchange() || k == protocol.KexUnknown {
			continue
		}
		names = append(names, k.String())
	}
	return names
}

func (c *Config) hostKeyAlgorithms(isClient bool) []string {
	if len(c.HostKeyAlgorithms) > 0 {
		return c.HostKeyAlgorithms
	}
	if isClient {
		return DefaultHostKeyAlgorithms
	}
	var algorithms []string
	for _, signer := range c.HostKeys {
		algorithms = append(algorithms, algorithmsForKeyType(signer.PublicKey().Type())...)
	}
	return algorithms
}

func orDefault(list, fallback []string) []string {
	if len(list) == 0 {
		return fallback
	}
	return list
}

// algorithmsForKeyType lists the signature algorithms a key of keyType can produce.
func algorithmsForKeyType(keyType string) []string {
	if keyType == ssh.KeyAlgoRSA {
		return []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}
	}
	return []string{keyType}
}

// keyTypeForAlgorithm is the inverse of algorithmsForKeyType.
func keyTypeForAlgorithm(algorithm string) string {
	switch algorithm {
	case ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return ssh.KeyAlgoRSA
	}
	return algorithm
}
