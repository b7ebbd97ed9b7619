// Package fingerprint renders public key digests the way OpenSSH prints them.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/protocol"
)

// HashType selects the digest used for a fingerprint.
type HashType int

const (
	MD5 HashType = iota + 1
	SHA1
	SHA256
)

var hashNames = map[HashType]string{
	MD5:    "MD5",
	SHA1:   "SHA1",
	SHA256: "SHA256",
}

func (t HashType) String() string {
	if name, ok := hashNames[t]; ok {
		return name
	}
	return fmt.Sprintf("HashType(%d)", int(t))
}

// Size returns the digest length in bytes.
func (t HashType) Size() int {
	switch t {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	}
	return 0
}

// ParseHashType accepts the names printed by String, case-insensitively.
func ParseHashType(name string) (HashType, error) {
	for t, n := range hashNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	return 0, protocol.Errorf(protocol.ErrCodeInvalidParameter, "unknown fingerprint hash '%s'", name)
}

// Format renders an existing digest as "<PREFIX>:<BODY>". MD5 digests use lowercase
// colon-separated hex; SHA1 and SHA256 use unpadded standard base64. No hashing is done here.
func Format(t HashType, digest []byte) (string, error) {
	var body string
	switch t {
	case MD5:
		encoded := hex.EncodeToString(digest)
		pairs := make([]string, 0, len(digest))
		for i := 0; i < len(encoded); i += 2 {
			pairs = append(pairs, encoded[i:i+2])
		}
		body = strings.Join(pairs, ":")
	case SHA1, SHA256:
		body = base64.RawStdEncoding.EncodeToString(digest)
	default:
		return "", protocol.Errorf(protocol.ErrCodeInvalidParameter, "unsupported fingerprint hash %s", t)
	}
	return t.String() + ":" + body, nil
}

// Print writes the formatted digest to w, followed by a newline.
func Print(w io.Writer, t HashType, digest []byte) error {
	s, err := Format(t, digest)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

// Hash returns the digest of key's wire encoding.
func Hash(t HashType, key ssh.PublicKey) ([]byte, error) {
	blob := key.Marshal()
	switch t {
	case MD5:
		sum := md5.Sum(blob)
		return sum[:], nil
	case SHA1:
		sum := sha1.Sum(blob)
		return sum[:], nil
	case SHA256:
		sum := sha256.Sum256(blob)
		return sum[:], nil
	}
	return nil, protocol.Errorf(protocol.ErrCodeInvalidParameter, "unsupported fingerprint hash %s", t)
}

// String hashes key and formats the result.
func String(t HashType, key ssh.PublicKey) (string, error) {
	digest, err := Hash(t, key)
	if err != nil {
		return "", err
	}
	return Format(t, digest)
}
