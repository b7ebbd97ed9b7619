package kex

import (
	"math/big"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/dh"
	"github.com/secshell/sshkex/pkg/protocol"
)

// Start generates the client key pair and sends e. It must be called once the kex method has
// been negotiated.
func (s *Session) Start() error {
	if s.side != dh.Client {
		return protocol.NewError(protocol.ErrCodeInvalidParameter, "Start called on a server session")
	}
	if s.state != StateIdle {
		return protocol.Errorf(protocol.ErrCodeProtocol, "Start called in state %s", s.state)
	}
	if err := s.newContext(); err != nil {
		return s.fail(err)
	}
	if err := s.ctx.GenerateKeys(dh.Client, s.params.Rand); err != nil {
		return s.fail(err)
	}
	e, err := s.ctx.PublicKey(dh.Client)
	if err != nil {
		return s.fail(err)
	}
	packet := ssh.Marshal(&protocol.KexDHInitMsg{X: new(big.Int).SetBytes(e)})
	packet[0] = s.params.Kex.InitMessage()

	// The reply may arrive as soon as the packet leaves, so arm the state first.
	reply := protocol.MsgKexDHReply
	if s.params.Kex.IsGroupExchange() {
		reply = protocol.MsgKexDHGexReply
	}
	s.expecting = reply
	s.state = StateInitSent
	if err := s.send(packet); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleReply(packet []byte) error {
	var msg protocol.KexDHReplyMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return s.fail(protocol.Errorf(protocol.ErrCodeProtocol, "malformed %s: %s", protocol.MessageName(packet[0]), err))
	}
	if msg.Y.Sign() < 0 {
		return s.fail(protocol.NewError(protocol.ErrCodeInvalidPeerKey, "negative server public value"))
	}
	if err := s.ctx.SetPeer(dh.Server, msg.Y.Bytes()); err != nil {
		return s.fail(err)
	}
	hostKey, err := ssh.ParsePublicKey(msg.HostKey)
	if err != nil {
		return s.fail(protocol.Errorf(protocol.ErrCodeProtocol, "invalid server host key: %s", err))
	}
	s.hostKey = hostKey
	s.hostKeyBlob = msg.HostKey
	s.signature = msg.Signature

	k, err := s.ctx.ComputeSharedSecret(dh.Client, dh.Server)
	if err != nil {
		return s.fail(err)
	}
	s.sharedSecret = k

	e, err := s.ctx.PublicKey(dh.Client)
	if err != nil {
		return s.fail(err)
	}
	f, err := s.ctx.PublicKey(dh.Server)
	if err != nil {
		return s.fail(err)
	}
	group := s.ctx.Group()
	s.exchangeHash, err = s.params.Magics.exchangeHash(s.params.Kex, msg.HostKey, group.P(), group.G(), e, f, k)
	if err != nil {
		return s.fail(err)
	}
	s.ctx.Cleanup()

	if err := s.sendNewKeys(); err != nil {
		return s.fail(err)
	}
	return nil
}
