package sshkex

import (
	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/protocol"
)

// hostKeys selects the server signer that matches the negotiated host key algorithm.
type hostKeys struct {
	signers   []ssh.Signer
	algorithm string
}

func (h *hostKeys) HostKey(kexType protocol.KexType) (ssh.Signer, string, error) {
	keyType := keyTypeForAlgorithm(h.algorithm)
	for _, signer := range h.signers {
		if signer.PublicKey().Type() != keyType {
			continue
		}
		if keyType == ssh.KeyAlgoRSA {
			if _, ok := signer.(ssh.AlgorithmSigner); !ok && h.algorithm != ssh.KeyAlgoRSA {
				continue
			}
		}
		return signer, h.algorithm, nil
	}
	return nil, "", protocol.Errorf(protocol.ErrCodeSignatureFailure, "no %s host key for %s", h.algorithm, kexType)
}
