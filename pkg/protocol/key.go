package protocol

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidPublicKey indicates a file or blob did not contain a usable SSH public key.
var ErrInvalidPublicKey = errors.New("invalid public key")

// LoadPublicKey loads an SSH public key from a file.
//
// The function is flexible, supporting the following formats (note that this list includes private
// key files, for convenience):
//   - authorized_keys / .pub lines ("ssh-ed25519 AAAA... comment")
//   - PKIX PEM ("BEGIN PUBLIC KEY")
//   - OpenSSH, PKCS#1, PKCS#8 or SEC1 PEM private keys, including passphrase protected OpenSSH
//     keys (only the unencrypted public half is read)
//   - Binary SSH wire-format public key blobs
//   - Base64-encoded SSH wire-format public key blobs
func LoadPublicKey(filename string) (ssh.PublicKey, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(contents)
}

// ParsePublicKey decodes contents using any of the formats accepted by LoadPublicKey.
func ParsePublicKey(contents []byte) (ssh.PublicKey, error) {
	if pub, _, _, _, err := ssh.ParseAuthorizedKey(contents); err == nil {
		return pub, nil
	}

	if block, _ := pem.Decode(contents); block != nil {
		if block.Type == "PUBLIC KEY" {
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return ssh.NewPublicKey(key)
		}
		signer, err := ssh.ParsePrivateKey(contents)
		if err == nil {
			return signer.PublicKey(), nil
		}
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && missing.PublicKey != nil {
			return missing.PublicKey, nil
		}
		return nil, fmt.Errorf("unrecognized PEM block type %s: %w", block.Type, err)
	}

	if pub, err := ssh.ParsePublicKey(contents); err == nil {
		return pub, nil
	}
	trimmed := bytes.TrimSpace(contents)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	if n, err := base64.StdEncoding.Decode(decoded, trimmed); err == nil {
		if pub, err := ssh.ParsePublicKey(decoded[:n]); err == nil {
			return pub, nil
		}
	}
	return nil, ErrInvalidPublicKey
}

// SavePublicKey writes pub to filename in authorized_keys format.
func SavePublicKey(pub ssh.PublicKey, filename string) error {
	return os.WriteFile(filename, ssh.MarshalAuthorizedKey(pub), 0644)
}
