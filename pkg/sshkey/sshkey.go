// Package sshkey loads SSH private keys, including passphrase-protected openssh-key-v1 files.
//
// Encrypted OpenSSH keys are unlocked with bcrypt_pbkdf and one of the AES modes OpenSSH writes.
// Every other format is handed to golang.org/x/crypto/ssh unchanged.
package sshkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/bcryptpbkdf"
	"github.com/secshell/sshkex/pkg/protocol"
)

const (
	pemType     = "OPENSSH PRIVATE KEY"
	authMagic   = "openssh-key-v1\x00"
	kdfBcrypt   = "bcrypt"
	noneCipher  = "none"
	kdfNone     = "none"
	checkLength = 8
)

var (
	// ErrPassphraseRequired indicates an encrypted key was loaded without a passphrase.
	ErrPassphraseRequired = errors.New("sshkey: passphrase required")
	// ErrIncorrectPassphrase indicates the decrypted check integers did not match.
	ErrIncorrectPassphrase = errors.New("sshkey: incorrect passphrase")
	// ErrInvalidKey indicates a malformed openssh-key-v1 container.
	ErrInvalidKey = errors.New("sshkey: invalid openssh private key")
	// ErrUnsupportedCipher indicates a cipher or KDF this package cannot decrypt.
	ErrUnsupportedCipher = errors.New("sshkey: unsupported cipher")
)

// container is the openssh-key-v1 envelope (PROTOCOL.key in the OpenSSH sources).
type container struct {
	CipherName   string
	KdfName      string
	KdfOpts      string
	NumKeys      uint32
	PubKey       []byte
	PrivKeyBlock []byte
}

type bcryptOpts struct {
	Salt   []byte
	Rounds uint32
}

type checkInts struct {
	Check1 uint32
	Check2 uint32
	Rest   []byte `ssh:"rest"`
}

type blockMode int

const (
	modeCTR blockMode = iota
	modeCBC
)

type cipherSpec struct {
	keyLen int
	mode   blockMode
}

var ciphers = map[string]cipherSpec{
	"aes128-ctr": {16, modeCTR},
	"aes192-ctr": {24, modeCTR},
	"aes256-ctr": {32, modeCTR},
	"aes256-cbc": {32, modeCBC},
}

// IsSupportedCipher returns true if name is a cipher this package can decrypt.
func IsSupportedCipher(name string) bool {
	_, ok := ciphers[name]
	return ok
}

// LoadPrivateKey reads filename and returns a Signer for the key it holds.
func LoadPrivateKey(filename string, passphrase []byte) (ssh.Signer, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	defer clear(contents)
	return ParsePrivateKey(contents, passphrase)
}

// ParsePrivateKey returns a Signer for the key in pemBytes. passphrase may be nil for
// unencrypted keys.
func ParsePrivateKey(pemBytes, passphrase []byte) (ssh.Signer, error) {
	key, err := ParseRawPrivateKey(pemBytes, passphrase)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// ParseRawPrivateKey returns the crypto key in pemBytes, such as *rsa.PrivateKey or
// *ed25519.PrivateKey.
func ParseRawPrivateKey(pemBytes, passphrase []byte) (interface{}, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if block.Type != pemType {
		if len(passphrase) == 0 {
			key, err := ssh.ParseRawPrivateKey(pemBytes)
			return key, translate(err)
		}
		key, err := ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, passphrase)
		return key, translate(err)
	}

	c, err := parseContainer(block.Bytes)
	if err != nil {
		return nil, err
	}
	if c.CipherName == noneCipher {
		return ssh.ParseRawPrivateKey(pemBytes)
	}
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}

	plain, err := c.decrypt(passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(plain)

	// Re-wrap the decrypted block as an unencrypted key so x/crypto/ssh decodes the key types.
	unlocked := container{
		CipherName:   noneCipher,
		KdfName:      kdfNone,
		NumKeys:      c.NumKeys,
		PubKey:       c.PubKey,
		PrivKeyBlock: plain,
	}
	body := append([]byte(authMagic), ssh.Marshal(&unlocked)...)
	defer clear(body)
	encoded := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: body})
	defer clear(encoded)
	return ssh.ParseRawPrivateKey(encoded)
}

// PublicKey returns the public half of the key in pemBytes without decrypting it.
func PublicKey(pemBytes []byte) (ssh.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block != nil && block.Type == pemType {
		c, err := parseContainer(block.Bytes)
		if err != nil {
			return nil, err
		}
		return ssh.ParsePublicKey(c.PubKey)
	}
	return protocol.ParsePublicKey(pemBytes)
}

// IsEncrypted reports whether the key in pemBytes needs a passphrase.
func IsEncrypted(pemBytes []byte) (bool, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return false, ErrInvalidKey
	}
	if block.Type != pemType {
		_, err := ssh.ParseRawPrivateKey(pemBytes)
		var missing *ssh.PassphraseMissingError
		return errors.As(err, &missing), nil
	}
	c, err := parseContainer(block.Bytes)
	if err != nil {
		return false, err
	}
	return c.CipherName != noneCipher, nil
}

func parseContainer(data []byte) (*container, error) {
	if !bytes.HasPrefix(data, []byte(authMagic)) {
		return nil, ErrInvalidKey
	}
	var c container
	if err := ssh.Unmarshal(data[len(authMagic):], &c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}
	if c.NumKeys != 1 {
		return nil, fmt.Errorf("%w: %d keys", ErrInvalidKey, c.NumKeys)
	}
	return &c, nil
}

func (c *container) decrypt(passphrase []byte) ([]byte, error) {
	spec, ok := ciphers[c.CipherName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, c.CipherName)
	}
	if c.KdfName != kdfBcrypt {
		return nil, fmt.Errorf("%w: kdf %s", ErrUnsupportedCipher, c.KdfName)
	}
	var opts bcryptOpts
	if err := ssh.Unmarshal([]byte(c.KdfOpts), &opts); err != nil {
		return nil, fmt.Errorf("%w: kdf options: %s", ErrInvalidKey, err)
	}
	if len(c.PrivKeyBlock) == 0 || len(c.PrivKeyBlock)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: encrypted block is not a multiple of the cipher block size", ErrInvalidKey)
	}

	log.Debug("Deriving %s key with %d bcrypt rounds", c.CipherName, opts.Rounds)
	derived, err := bcryptpbkdf.Key(passphrase, opts.Salt, int(opts.Rounds), spec.keyLen+aes.BlockSize)
	if err != nil {
		return nil, err
	}
	defer clear(derived)
	key, iv := derived[:spec.keyLen], derived[spec.keyLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(c.PrivKeyBlock))
	switch spec.mode {
	case modeCTR:
		cipher.NewCTR(block, iv).XORKeyStream(plain, c.PrivKeyBlock)
	case modeCBC:
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, c.PrivKeyBlock)
	}

	var check checkInts
	if len(plain) < checkLength || ssh.Unmarshal(plain, &check) != nil || check.Check1 != check.Check2 {
		clear(plain)
		return nil, ErrIncorrectPassphrase
	}
	return plain, nil
}

func translate(err error) error {
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return ErrPassphraseRequired
	}
	if errors.Is(err, x509.IncorrectPasswordError) {
		return ErrIncorrectPassphrase
	}
	return err
}
