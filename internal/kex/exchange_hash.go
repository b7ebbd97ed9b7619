package kex

import (
	"crypto"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/protocol"
)

// Magics are the handshake transcripts that feed the exchange hash (RFC 4253 section 8).
type Magics struct {
	ClientVersion []byte // V_C, without CR LF
	ServerVersion []byte // V_S, without CR LF
	ClientKexInit []byte // I_C, the client's SSH_MSG_KEXINIT payload
	ServerKexInit []byte // I_S, the server's SSH_MSG_KEXINIT payload

	// GroupRequest holds the SSH_MSG_KEX_DH_GEX_REQUEST parameters. It is only hashed for group
	// exchange methods.
	GroupRequest *GroupRequest
}

// GroupRequest carries the min, preferred and max modulus sizes of a group exchange (RFC 4419).
type GroupRequest struct {
	Min, N, Max uint32
}

// mpint bodies encode exactly like strings, so every field is a []byte.
type exchangeHashInput struct {
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
	HostKey       []byte
	E             []byte
	F             []byte
	K             []byte
}

type groupExchangeHashInput struct {
	ClientVersion []byte
	ServerVersion []byte
	ClientKexInit []byte
	ServerKexInit []byte
	HostKey       []byte
	Min           uint32
	N             uint32
	Max           uint32
	P             []byte
	G             []byte
	E             []byte
	F             []byte
	K             []byte
}

// exchangeHash computes H over the transcripts and public values. e, f and k are mpint bodies;
// p and g are only used by group exchange methods.
func (m *Magics) exchangeHash(kex protocol.KexType, hostKey, p, g, e, f, k []byte) ([]byte, error) {
	hash := kex.Hash()
	if hash == 0 || !hash.Available() {
		return nil, protocol.Errorf(protocol.ErrCodeProtocol, "no exchange hash for %s", kex)
	}
	var input []byte
	if kex.IsGroupExchange() {
		req := m.GroupRequest
		if req == nil {
			return nil, protocol.NewError(protocol.ErrCodeProtocol, "group exchange without a group request")
		}
		input = ssh.Marshal(&groupExchangeHashInput{
			ClientVersion: m.ClientVersion,
			ServerVersion: m.ServerVersion,
			ClientKexInit: m.ClientKexInit,
			ServerKexInit: m.ServerKexInit,
			HostKey:       hostKey,
			Min:           req.Min,
			N:             req.N,
			Max:           req.Max,
			P:             protocol.MPIntBody(p),
			G:             protocol.MPIntBody(g),
			E:             e,
			F:             f,
			K:             k,
		})
	} else {
		input = ssh.Marshal(&exchangeHashInput{
			ClientVersion: m.ClientVersion,
			ServerVersion: m.ServerVersion,
			ClientKexInit: m.ClientKexInit,
			ServerKexInit: m.ServerKexInit,
			HostKey:       hostKey,
			E:             e,
			F:             f,
			K:             k,
		})
	}
	defer clear(input)
	return digest(hash, input), nil
}

func digest(hash crypto.Hash, data []byte) []byte {
	h := hash.New()
	h.Write(data)
	return h.Sum(nil)
}
