package sshkex

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/dh"
	"github.com/secshell/sshkex/internal/kex"
	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/internal/transport"
	"github.com/secshell/sshkex/pkg/protocol"
)

// Disconnect reason codes from RFC 4253 section 11.1.
const (
	DisconnectProtocolError        uint32 = 2
	DisconnectKeyExchangeFailed    uint32 = 3
	DisconnectHostKeyNotVerifiable uint32 = 9
)

// Result of a completed key exchange.
type Result struct {
	Algorithms
	Hash          crypto.Hash
	ClientVersion []byte
	ServerVersion []byte

	// K is the shared secret as an mpint body.
	K []byte
	// H is the exchange hash. The first H of a connection is its session id.
	H             []byte
	SessionID     []byte
	ServerHostKey ssh.PublicKey
}

// Wipe zeroes the shared secret.
func (r *Result) Wipe() {
	clear(r.K)
	r.K = nil
}

type handshake struct {
	config   *Config
	conn     net.Conn
	t        *transport.Conn
	isClient bool
	magics   kex.Magics
	algs     *Algorithms
}

// HostKeyError wraps the error returned by Config.HostKeyCallback.
type HostKeyError struct {
	Err error
}

func (e *HostKeyError) Error() string {
	return "ssh: host key rejected: " + e.Err.Error()
}

func (e *HostKeyError) Unwrap() error {
	return e.Err
}

// Client runs the client side of the key exchange over conn. addr is passed to the host key
// callback and should be the address the caller dialed. The caller keeps ownership of conn.
func Client(ctx context.Context, conn net.Conn, addr string, config *Config) (*Result, error) {
	if config.HostKeyCallback == nil {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "client config has no HostKeyCallback")
	}
	h := &handshake{config: config, conn: conn, isClient: true}
	return h.run(ctx, func(session *kex.Session) (*Result, error) {
		return h.client(session, addr)
	})
}

// Server runs the server side of the key exchange over conn. The caller keeps ownership of conn.
func Server(ctx context.Context, conn net.Conn, config *Config) (*Result, error) {
	if len(config.HostKeys) == 0 {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "server config has no HostKeys")
	}
	h := &handshake{config: config, conn: conn}
	return h.run(ctx, h.server)
}

func (h *handshake) who() string {
	if h.isClient {
		return "client"
	}
	return "server"
}

func (h *handshake) run(ctx context.Context, finish func(*kex.Session) (*Result, error)) (*Result, error) {
	if err := dh.Init(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		h.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock pending reads and writes.
		h.conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if stop() {
			h.conn.SetDeadline(time.Time{})
		}
	}()

	h.t = transport.New(h.conn, h.config.rand(), h.isClient)
	var result *Result
	err := h.negotiate()
	if err == nil {
		session := h.newSession()
		result, err = finish(session)
		session.Cleanup()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s key exchange aborted: %w", h.who(), ctxErr)
		}
		h.disconnect(err)
		return nil, err
	}
	return result, nil
}

func (h *handshake) disconnect(err error) {
	if h.t == nil {
		return
	}
	var disconnected *protocol.DisconnectMsg
	if errors.As(err, &disconnected) {
		return
	}
	reason := DisconnectKeyExchangeFailed
	var rejected *HostKeyError
	switch {
	case errors.As(err, &rejected):
		reason = DisconnectHostKeyNotVerifiable
	case protocol.Code(err) == protocol.ErrCodeProtocol:
		reason = DisconnectProtocolError
	}
	if werr := h.t.WritePacket(ssh.Marshal(&protocol.DisconnectMsg{Reason: reason, Message: err.Error()})); werr != nil {
		log.Debug("%s: could not send disconnect: %s", h.who(), werr)
	}
}

// negotiate exchanges version lines and SSH_MSG_KEXINIT.
func (h *handshake) negotiate() error {
	version := []byte(h.config.version())
	theirVersion, err := h.t.ExchangeVersions(version)
	if err != nil {
		return err
	}

	ours, err := newKexInit(h.config, h.isClient)
	if err != nil {
		return err
	}
	ourPacket := ssh.Marshal(ours)
	if err := h.t.WritePacket(ourPacket); err != nil {
		return err
	}
	theirPacket, err := h.t.ReadPacket()
	if err != nil {
		return err
	}
	theirs, err := parseKexInit(theirPacket)
	if err != nil {
		return err
	}

	if h.isClient {
		h.magics = kex.Magics{ClientVersion: version, ServerVersion: theirVersion, ClientKexInit: ourPacket, ServerKexInit: theirPacket}
		h.algs, err = findAgreedAlgorithms(ours, theirs)
	} else {
		h.magics = kex.Magics{ClientVersion: theirVersion, ServerVersion: version, ClientKexInit: theirPacket, ServerKexInit: ourPacket}
		h.algs, err = findAgreedAlgorithms(theirs, ours)
	}
	if err != nil {
		return err
	}
	log.Protocol("%s: negotiated %s with %s host key", h.who(), h.algs.Kex, h.algs.HostKey)

	if theirs.FirstKexFollows && !guessedRight(theirs, h.algs) {
		// The peer's guessed kex packet must be ignored.
		if _, err := h.t.ReadPacket(); err != nil {
			return err
		}
		log.Debug("%s: dropped mispredicted first kex packet", h.who())
	}
	return nil
}

func (h *handshake) newSession() *kex.Session {
	params := kex.Params{
		Kex:    h.algs.Kex,
		Magics: h.magics,
		Rand:   h.config.rand(),
	}
	if h.isClient {
		return kex.NewClient(h.t, params)
	}
	params.HostKeys = &hostKeys{signers: h.config.HostKeys, algorithm: h.algs.HostKey}
	return kex.NewServer(h.t, params)
}

// drive feeds packets to session until it has sent SSH_MSG_NEWKEYS, then waits for the peer's.
func (h *handshake) drive(session *kex.Session) error {
	for session.State() != kex.StateNewKeysSent {
		packet, err := h.t.ReadPacket()
		if err != nil {
			return err
		}
		consumed, err := session.HandlePacket(packet)
		if err != nil {
			return err
		}
		if !consumed {
			return protocol.Errorf(protocol.ErrCodeProtocol, "unexpected %s during key exchange", protocol.MessageName(packet[0]))
		}
	}
	packet, err := h.t.ReadPacket()
	if err != nil {
		return err
	}
	if packet[0] != protocol.MsgNewKeys {
		return protocol.Errorf(protocol.ErrCodeProtocol, "expected SSH_MSG_NEWKEYS, got %s", protocol.MessageName(packet[0]))
	}
	log.Protocol("%s: SSH_MSG_NEWKEYS received", h.who())
	return nil
}

func (h *handshake) result(session *kex.Session) *Result {
	exchangeHash := bytes.Clone(session.ExchangeHash())
	return &Result{
		Algorithms:    *h.algs,
		Hash:          h.algs.Kex.Hash(),
		ClientVersion: h.magics.ClientVersion,
		ServerVersion: h.magics.ServerVersion,
		K:             bytes.Clone(session.SharedSecret()),
		H:             exchangeHash,
		SessionID:     exchangeHash,
		ServerHostKey: session.ServerHostKey(),
	}
}

func (h *handshake) client(session *kex.Session, addr string) (*Result, error) {
	if err := session.Start(); err != nil {
		return nil, err
	}
	if err := h.drive(session); err != nil {
		return nil, err
	}
	if err := verifyHostKeySignature(session.ServerHostKey(), h.algs.HostKey, session.ExchangeHash(), session.Signature()); err != nil {
		return nil, err
	}
	if err := h.config.HostKeyCallback(addr, h.conn.RemoteAddr(), session.ServerHostKey()); err != nil {
		return nil, &HostKeyError{Err: err}
	}
	return h.result(session), nil
}

func (h *handshake) server(session *kex.Session) (*Result, error) {
	if err := session.Init(); err != nil {
		return nil, err
	}
	if err := h.drive(session); err != nil {
		return nil, err
	}
	return h.result(session), nil
}

// verifyHostKeySignature checks sig_H against K_S for the negotiated host key algorithm.
func verifyHostKeySignature(hostKey ssh.PublicKey, algorithm string, exchangeHash, blob []byte) error {
	if hostKey == nil {
		return protocol.NewError(protocol.ErrCodeSignatureFailure, "no host key")
	}
	if hostKey.Type() != keyTypeForAlgorithm(algorithm) {
		return protocol.Errorf(protocol.ErrCodeSignatureFailure, "host key type %s does not match %s", hostKey.Type(), algorithm)
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(blob, &sig); err != nil {
		return protocol.Errorf(protocol.ErrCodeSignatureFailure, "malformed signature: %s", err)
	}
	if sig.Format != algorithm {
		return protocol.Errorf(protocol.ErrCodeSignatureFailure, "signature format %s, expected %s", sig.Format, algorithm)
	}
	if err := hostKey.Verify(exchangeHash, &sig); err != nil {
		return protocol.Errorf(protocol.ErrCodeSignatureFailure, "exchange hash signature: %s", err)
	}
	return nil
}
