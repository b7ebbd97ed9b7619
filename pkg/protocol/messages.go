package protocol

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"math/big"
	"strings"
)

// SSH transport-layer message numbers (RFC 4250 section 4.1.2, RFC 4419).
const (
	MsgDisconnect    byte = 1
	MsgIgnore        byte = 2
	MsgUnimplemented byte = 3
	MsgDebug         byte = 4
	MsgKexInit       byte = 20
	MsgNewKeys       byte = 21
	MsgKexDHInit     byte = 30
	MsgKexDHReply    byte = 31
	MsgKexDHGexInit  byte = 32
	MsgKexDHGexReply byte = 33
)

var messageNames = map[byte]string{
	MsgDisconnect:    "SSH_MSG_DISCONNECT",
	MsgIgnore:        "SSH_MSG_IGNORE",
	MsgUnimplemented: "SSH_MSG_UNIMPLEMENTED",
	MsgDebug:         "SSH_MSG_DEBUG",
	MsgKexInit:       "SSH_MSG_KEXINIT",
	MsgNewKeys:       "SSH_MSG_NEWKEYS",
	MsgKexDHInit:     "SSH_MSG_KEXDH_INIT",
	MsgKexDHReply:    "SSH_MSG_KEXDH_REPLY",
	MsgKexDHGexInit:  "SSH_MSG_KEX_DH_GEX_INIT",
	MsgKexDHGexReply: "SSH_MSG_KEX_DH_GEX_REPLY",
}

// MessageName returns a human readable name for an SSH message number.
func MessageName(msg byte) string {
	if name, ok := messageNames[msg]; ok {
		return name
	}
	return fmt.Sprintf("SSH_MSG_%d", msg)
}

// KexType identifies a finite-field Diffie-Hellman key exchange method.
type KexType int

const (
	KexUnknown KexType = iota
	KexDHGroup1SHA1
	KexDHGroup14SHA1
	KexDHGroup14SHA256
	KexDHGroup16SHA512
	KexDHGroup18SHA512
	KexDHGexSHA1
	KexDHGexSHA256
)

var kexNames = map[KexType]string{
	KexDHGroup1SHA1:    "diffie-hellman-group1-sha1",
	KexDHGroup14SHA1:   "diffie-hellman-group14-sha1",
	KexDHGroup14SHA256: "diffie-hellman-group14-sha256",
	KexDHGroup16SHA512: "diffie-hellman-group16-sha512",
	KexDHGroup18SHA512: "diffie-hellman-group18-sha512",
	KexDHGexSHA1:       "diffie-hellman-group-exchange-sha1",
	KexDHGexSHA256:     "diffie-hellman-group-exchange-sha256",
}

// DefaultKexTypes lists the fixed-group methods in the order a client prefers them.
var DefaultKexTypes = []KexType{
	KexDHGroup16SHA512,
	KexDHGroup18SHA512,
	KexDHGroup14SHA256,
	KexDHGroup14SHA1,
	KexDHGroup1SHA1,
}

func (k KexType) String() string {
	if name, ok := kexNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kex(%d)", int(k))
}

// ParseKexType converts an SSH algorithm name into a KexType.
func ParseKexType(name string) (KexType, error) {
	for k, n := range kexNames {
		if n == strings.TrimSpace(name) {
			return k, nil
		}
	}
	return KexUnknown, Errorf(ErrCodeInvalidParameter, "unsupported kex algorithm '%s'", name)
}

// Hash returns the hash function used for the exchange hash H.
func (k KexType) Hash() crypto.Hash {
	switch k {
	case KexDHGroup1SHA1, KexDHGroup14SHA1, KexDHGexSHA1:
		return crypto.SHA1
	case KexDHGroup14SHA256, KexDHGexSHA256:
		return crypto.SHA256
	case KexDHGroup16SHA512, KexDHGroup18SHA512:
		return crypto.SHA512
	}
	return 0
}

// IsGroupExchange is true for methods whose group is negotiated at runtime.
func (k KexType) IsGroupExchange() bool {
	return k == KexDHGexSHA1 || k == KexDHGexSHA256
}

// InitMessage returns the message number a client uses to send e.
func (k KexType) InitMessage() byte {
	if k.IsGroupExchange() {
		return MsgKexDHGexInit
	}
	return MsgKexDHInit
}

// ReplyMessage returns the message number a server uses to send f. Unknown kex types are an error.
func (k KexType) ReplyMessage() (byte, error) {
	switch k {
	case KexDHGroup1SHA1, KexDHGroup14SHA1, KexDHGroup14SHA256, KexDHGroup16SHA512, KexDHGroup18SHA512:
		return MsgKexDHReply, nil
	case KexDHGexSHA1, KexDHGexSHA256:
		return MsgKexDHGexReply, nil
	}
	return 0, Errorf(ErrCodeProtocol, "invalid kex type %s", k)
}

// KexDHInitMsg carries the client's public value e. The same layout serves
// SSH_MSG_KEX_DH_GEX_INIT.
type KexDHInitMsg struct {
	X *big.Int `sshtype:"30|32"`
}

// KexDHReplyMsg carries the server's host key, public value f and signature over H. The same
// layout serves SSH_MSG_KEX_DH_GEX_REPLY.
type KexDHReplyMsg struct {
	HostKey   []byte `sshtype:"31|33"`
	Y         *big.Int
	Signature []byte
}

// KexInitMsg is SSH_MSG_KEXINIT (RFC 4253 section 7.1).
type KexInitMsg struct {
	Cookie                  [16]byte `sshtype:"20"`
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexFollows         bool
	Reserved                uint32
}

// DisconnectMsg is SSH_MSG_DISCONNECT.
type DisconnectMsg struct {
	Reason   uint32 `sshtype:"1"`
	Message  string
	Language string
}

func (d *DisconnectMsg) Error() string {
	return fmt.Sprintf("ssh: disconnect, reason %d: %s", d.Reason, d.Message)
}
