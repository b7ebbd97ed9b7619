// Package kex drives the SSH finite-field Diffie-Hellman key exchange (RFC 4253 section 8) for one
// session.
//
// A Session is a small state machine. The owner feeds it inbound packets through
// [Session.HandlePacket]; the Session answers through a [Transport]. Every failure moves the
// Session to StateError and wipes its DH context.
package kex

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/dh"
	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/protocol"
)

// State of a key exchange.
type State int

const (
	StateIdle State = iota
	StateInitSent
	StateNewKeysSent
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitSent:
		return "INIT_SENT"
	case StateNewKeysSent:
		return "NEWKEYS_SENT"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Transport sends packets to the peer.
type Transport interface {
	protocol.PacketWriter
}

// HostKeyProvider supplies the server's host key for a negotiated kex method. The returned
// algorithm names the signature scheme (for example rsa-sha2-256) and may be empty to use the
// signer's default.
type HostKeyProvider interface {
	HostKey(kex protocol.KexType) (signer ssh.Signer, algorithm string, err error)
}

// Params configure a Session.
type Params struct {
	Kex    protocol.KexType
	Magics Magics

	// Group must be set for group exchange methods. Fixed-group methods look up their group in
	// the dh registry.
	Group *dh.Group

	// HostKeys is required on the server.
	HostKeys HostKeyProvider

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// Session runs one side of one key exchange.
type Session struct {
	side      dh.Side
	params    Params
	transport Transport
	state     State
	expecting byte
	ctx       *dh.Context
	err       error

	hostKey      ssh.PublicKey
	hostKeyBlob  []byte
	signature    []byte
	sharedSecret []byte
	exchangeHash []byte
}

func newSession(side dh.Side, t Transport, params Params) *Session {
	if params.Rand == nil {
		params.Rand = rand.Reader
	}
	return &Session{side: side, params: params, transport: t}
}

// NewClient returns a Session that will drive the client side once Start is called.
func NewClient(t Transport, params Params) *Session {
	return newSession(dh.Client, t, params)
}

// NewServer returns a Session that will answer the client's init message once Init is called.
func NewServer(t Transport, params Params) *Session {
	return newSession(dh.Server, t, params)
}

// State returns the current handshake state.
func (s *Session) State() State {
	return s.state
}

// Err returns the error that moved the Session to StateError.
func (s *Session) Err() error {
	return s.err
}

// Kex returns the negotiated method.
func (s *Session) Kex() protocol.KexType {
	return s.params.Kex
}

// Expecting returns the message number the Session is waiting for, or zero.
func (s *Session) Expecting() byte {
	return s.expecting
}

// SharedSecret returns K as an mpint body once the Session reaches StateNewKeysSent.
func (s *Session) SharedSecret() []byte {
	return s.sharedSecret
}

// ExchangeHash returns H once the Session reaches StateNewKeysSent.
func (s *Session) ExchangeHash() []byte {
	return s.exchangeHash
}

// ServerHostKey returns K_S. On the client this is the key imported from the server's reply; on
// the server it is the key that signed H.
func (s *Session) ServerHostKey() ssh.PublicKey {
	return s.hostKey
}

// ServerHostKeyBlob returns the wire encoding of K_S.
func (s *Session) ServerHostKeyBlob() []byte {
	return s.hostKeyBlob
}

// Signature returns sig_H as sent on the wire.
func (s *Session) Signature() []byte {
	return s.signature
}

func (s *Session) group() (*dh.Group, error) {
	if s.params.Group != nil {
		return s.params.Group, nil
	}
	return dh.Lookup(s.params.Kex)
}

func (s *Session) newContext() error {
	group, err := s.group()
	if err != nil {
		return err
	}
	s.ctx, err = dh.New(group)
	return err
}

// HandlePacket consumes packet if it is the message the Session is waiting for. It returns false
// when the packet belongs to someone else. Once a packet is consumed, a non-nil error means the
// Session is in StateError; the packet is still reported as consumed.
func (s *Session) HandlePacket(packet []byte) (bool, error) {
	if len(packet) == 0 || s.expecting == 0 || packet[0] != s.expecting {
		return false, nil
	}
	log.Debug("Received %s", protocol.MessageName(packet[0]))
	s.expecting = 0
	switch {
	case s.side == dh.Client && s.state == StateInitSent:
		return true, s.handleReply(packet)
	case s.side == dh.Server && s.state == StateIdle && s.ctx != nil:
		return true, s.handleInit(packet)
	}
	return true, s.fail(protocol.Errorf(protocol.ErrCodeProtocol, "unexpected %s in state %s", protocol.MessageName(packet[0]), s.state))
}

func (s *Session) send(packet []byte) error {
	log.Debug("Sending %s", protocol.MessageName(packet[0]))
	return s.transport.WritePacket(packet)
}

func (s *Session) sendNewKeys() error {
	if err := s.send([]byte{protocol.MsgNewKeys}); err != nil {
		return err
	}
	s.state = StateNewKeysSent
	log.Protocol("SSH_MSG_NEWKEYS sent")
	return nil
}

func (s *Session) fail(err error) error {
	if s.ctx != nil {
		s.ctx.Cleanup()
	}
	clear(s.sharedSecret)
	s.sharedSecret = nil
	s.expecting = 0
	s.state = StateError
	s.err = err
	log.Warning("%s key exchange failed: %s", s.side, err)
	return err
}

// Cleanup wipes the DH context and the shared secret. It is safe to call at any time and more
// than once. Callers should invoke it after deriving session keys, or when aborting a session.
func (s *Session) Cleanup() {
	if s.ctx != nil {
		s.ctx.Cleanup()
	}
	clear(s.sharedSecret)
	s.sharedSecret = nil
	s.expecting = 0
}
