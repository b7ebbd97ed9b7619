package sshkex

import (
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/protocol"
)

// DirectionAlgorithms are the algorithms negotiated for one direction of the connection.
type DirectionAlgorithms struct {
	Cipher      string
	MAC         string
	Compression string
}

// Algorithms are the results of SSH_MSG_KEXINIT negotiation.
type Algorithms struct {
	Kex            protocol.KexType
	HostKey        string
	ClientToServer DirectionAlgorithms
	ServerToClient DirectionAlgorithms
}

func findCommon(what string, client, server []string) (string, error) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, nil
			}
		}
	}
	return "", protocol.Errorf(protocol.ErrCodeNoCommonAlgorithm, "no common algorithm for %s; client offered: %v, server offered: %v", what, client, server)
}

func findAgreedAlgorithms(client, server *protocol.KexInitMsg) (*Algorithms, error) {
	result := &Algorithms{}

	kexName, err := findCommon("key exchange", client.KexAlgos, server.KexAlgos)
	if err != nil {
		return nil, err
	}
	if result.Kex, err = protocol.ParseKexType(kexName); err != nil {
		return nil, err
	}
	if result.HostKey, err = findCommon("host key", client.ServerHostKeyAlgos, server.ServerHostKeyAlgos); err != nil {
		return nil, err
	}

	steps := []struct {
		what           string
		client, server []string
		dest           *string
	}{
		{"client to server cipher", client.CiphersClientServer, server.CiphersClientServer, &result.ClientToServer.Cipher},
		{"server to client cipher", client.CiphersServerClient, server.CiphersServerClient, &result.ServerToClient.Cipher},
		{"client to server MAC", client.MACsClientServer, server.MACsClientServer, &result.ClientToServer.MAC},
		{"server to client MAC", client.MACsServerClient, server.MACsServerClient, &result.ServerToClient.MAC},
		{"client to server compression", client.CompressionClientServer, server.CompressionClientServer, &result.ClientToServer.Compression},
		{"server to client compression", client.CompressionServerClient, server.CompressionServerClient, &result.ServerToClient.Compression},
	}
	for _, step := range steps {
		if *step.dest, err = findCommon(step.what, step.client, step.server); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// guessedRight reports whether a peer that sent a first kex packet guessed the agreed methods.
func guessedRight(peer *protocol.KexInitMsg, algs *Algorithms) bool {
	return len(peer.KexAlgos) > 0 && peer.KexAlgos[0] == algs.Kex.String() &&
		len(peer.ServerHostKeyAlgos) > 0 && peer.ServerHostKeyAlgos[0] == algs.HostKey
}

func newKexInit(config *Config, isClient bool) (*protocol.KexInitMsg, error) {
	msg := &protocol.KexInitMsg{
		KexAlgos:                config.kexAlgorithms(),
		ServerHostKeyAlgos:      config.hostKeyAlgorithms(isClient),
		CiphersClientServer:     orDefault(config.Ciphers, DefaultCiphers),
		CiphersServerClient:     orDefault(config.Ciphers, DefaultCiphers),
		MACsClientServer:        orDefault(config.MACs, DefaultMACs),
		MACsServerClient:        orDefault(config.MACs, DefaultMACs),
		CompressionClientServer: compressionNone,
		CompressionServerClient: compressionNone,
	}
	if len(msg.KexAlgos) == 0 {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "no fixed-group kex algorithms configured")
	}
	if len(msg.ServerHostKeyAlgos) == 0 {
		return nil, protocol.NewError(protocol.ErrCodeInvalidParameter, "no host key algorithms configured")
	}
	if _, err := io.ReadFull(config.rand(), msg.Cookie[:]); err != nil {
		return nil, protocol.Errorf(protocol.ErrCodeRNGFailure, "could not generate kexinit cookie: %s", err)
	}
	return msg, nil
}

func parseKexInit(packet []byte) (*protocol.KexInitMsg, error) {
	if len(packet) == 0 || packet[0] != protocol.MsgKexInit {
		name := "empty packet"
		if len(packet) > 0 {
			name = protocol.MessageName(packet[0])
		}
		return nil, protocol.Errorf(protocol.ErrCodeProtocol, "expected SSH_MSG_KEXINIT, got %s", name)
	}
	var msg protocol.KexInitMsg
	if err := ssh.Unmarshal(packet, &msg); err != nil {
		return nil, protocol.Errorf(protocol.ErrCodeProtocol, "malformed SSH_MSG_KEXINIT: %s", err)
	}
	return &msg, nil
}
