package kex

import (
	"math/big"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/dh"
	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/protocol"
)

// Init prepares the server to receive the client's e.
func (s *Session) Init() error {
	if s.side != dh.Server {
		return protocol.NewError(protocol.ErrCodeInvalidParameter, "Init called on a client session")
	}
	if s.state != StateIdle || s.ctx != nil {
		return protocol.Errorf(protocol.ErrCodeProtocol, "Init called in state %s", s.state)
	}
	if s.params.HostKeys == nil {
		return s.fail(protocol.NewError(protocol.ErrCodeInvalidParameter, "server session has no host keys"))
	}
	if err := s.newContext(); err != nil {
		return s.fail(err)
	}
	s.expecting = s.params.Kex.InitMessage()
	return nil
}

func (s *Session) handleInit(packet []byte) error {
	var msg protocol.KexDHInitMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return s.fail(protocol.Errorf(protocol.ErrCodeProtocol, "no e number in client request: %s", err))
	}
	if msg.X.Sign() < 0 {
		return s.fail(protocol.NewError(protocol.ErrCodeInvalidPeerKey, "negative client public value"))
	}
	if err := s.ctx.SetPeer(dh.Client, msg.X.Bytes()); err != nil {
		return s.fail(err)
	}
	if err := s.ctx.GenerateKeys(dh.Server, s.params.Rand); err != nil {
		return s.fail(err)
	}
	f, err := s.ctx.PublicKey(dh.Server)
	if err != nil {
		return s.fail(err)
	}
	e, err := s.ctx.PublicKey(dh.Client)
	if err != nil {
		return s.fail(err)
	}

	signer, algorithm, err := s.params.HostKeys.HostKey(s.params.Kex)
	if err != nil {
		return s.fail(protocol.Errorf(protocol.ErrCodeSignatureFailure, "no host key: %s", err))
	}

	k, err := s.ctx.ComputeSharedSecret(dh.Server, dh.Client)
	if err != nil {
		return s.fail(err)
	}
	s.sharedSecret = k

	s.hostKey = signer.PublicKey()
	s.hostKeyBlob = s.hostKey.Marshal()
	group := s.ctx.Group()
	s.exchangeHash, err = s.params.Magics.exchangeHash(s.params.Kex, s.hostKeyBlob, group.P(), group.G(), e, f, k)
	if err != nil {
		return s.fail(protocol.Errorf(protocol.ErrCodeProtocol, "could not create a session id: %s", err))
	}
	s.ctx.Cleanup()

	sig, err := s.sign(signer, algorithm)
	if err != nil {
		return s.fail(protocol.Errorf(protocol.ErrCodeSignatureFailure, "could not sign the session id: %s", err))
	}
	s.signature = ssh.Marshal(sig)

	replyType, err := s.params.Kex.ReplyMessage()
	if err != nil {
		return s.fail(err)
	}
	reply := ssh.Marshal(&protocol.KexDHReplyMsg{
		HostKey:   s.hostKeyBlob,
		Y:         new(big.Int).SetBytes(f),
		Signature: s.signature,
	})
	reply[0] = replyType
	if err := s.send(reply); err != nil {
		return s.fail(err)
	}
	log.Debug("Sent %s", protocol.MessageName(replyType))

	if err := s.sendNewKeys(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) sign(signer ssh.Signer, algorithm string) (*ssh.Signature, error) {
	if algorithm != "" {
		if as, ok := signer.(ssh.AlgorithmSigner); ok {
			return as.SignWithAlgorithm(s.params.Rand, s.exchangeHash, algorithm)
		}
	}
	return signer.Sign(s.params.Rand, s.exchangeHash)
}
