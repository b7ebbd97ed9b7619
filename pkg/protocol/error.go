package protocol

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrorCode categorizes failures raised by the key exchange and key derivation layers.
type ErrorCode int

const (
	ErrCodeNotInitialized ErrorCode = iota + 1
	ErrCodeAllocationFailure
	ErrCodeRNGFailure
	ErrCodeInvalidPeerKey
	ErrCodeInvalidSharedSecret
	ErrCodeProtocol
	ErrCodeSignatureFailure
	ErrCodeInvalidParameter
	ErrCodeHostKeyMismatch
	ErrCodeNoCommonAlgorithm
)

var errCodeNames = map[ErrorCode]string{
	ErrCodeNotInitialized:      "NOT_INITIALIZED",
	ErrCodeAllocationFailure:   "ALLOCATION_FAILURE",
	ErrCodeRNGFailure:          "RNG_FAILURE",
	ErrCodeInvalidPeerKey:      "INVALID_PEER_KEY",
	ErrCodeInvalidSharedSecret: "INVALID_SHARED_SECRET",
	ErrCodeProtocol:            "PROTOCOL_ERROR",
	ErrCodeSignatureFailure:    "SIGNATURE_FAILURE",
	ErrCodeInvalidParameter:    "INVALID_PARAMETER",
	ErrCodeHostKeyMismatch:     "HOST_KEY_MISMATCH",
	ErrCodeNoCommonAlgorithm:   "NO_COMMON_ALGORITHM",
}

// String returns a CamelCase name for code.
func (code ErrorCode) String() string {
	// "INVALID_PEER_KEY" -> "InvalidPeerKey"
	allCaps, ok := errCodeNames[code]
	if !ok {
		return fmt.Sprintf("ErrorCode(%d)", int(code))
	}
	camelCase := make([]rune, 0, len(allCaps))
	lowerCaseNext := false
	for _, b := range allCaps {
		if b == '_' {
			lowerCaseNext = false
		} else {
			if lowerCaseNext {
				camelCase = append(camelCase, unicode.ToLower(b))
			} else {
				camelCase = append(camelCase, b)
				lowerCaseNext = true
			}
		}
	}
	return string(camelCase)
}

// Error represents a key exchange or key derivation failure.
//
// Errors compare equal under errors.Is when their codes match, so callers can test against the
// sentinel values below regardless of the Info attached.
type Error struct {
	Code ErrorCode
	Info string
}

var (
	// ErrNotInitialized indicates the DH group registry was used before dh.Init.
	ErrNotInitialized = &Error{Code: ErrCodeNotInitialized}
	// ErrAllocationFailure indicates a buffer or big-integer could not be built.
	ErrAllocationFailure = &Error{Code: ErrCodeAllocationFailure}
	// ErrRNGFailure indicates the random source could not supply a private exponent.
	ErrRNGFailure = &Error{Code: ErrCodeRNGFailure}
	// ErrInvalidPeerKey indicates a peer's public value fell outside (1, p-1).
	ErrInvalidPeerKey = &Error{Code: ErrCodeInvalidPeerKey}
	// ErrInvalidSharedSecret indicates the computed shared secret fell outside (1, p-1).
	ErrInvalidSharedSecret = &Error{Code: ErrCodeInvalidSharedSecret}
	// ErrProtocol indicates a malformed packet or an unexpected message.
	ErrProtocol = &Error{Code: ErrCodeProtocol}
	// ErrSignatureFailure indicates the exchange hash could not be signed or verified.
	ErrSignatureFailure = &Error{Code: ErrCodeSignatureFailure}
	// ErrInvalidParameter indicates a caller supplied an out-of-range argument.
	ErrInvalidParameter = &Error{Code: ErrCodeInvalidParameter}
	// ErrHostKeyMismatch indicates a server presented a host key that differs from the recorded
	// one.
	ErrHostKeyMismatch = &Error{Code: ErrCodeHostKeyMismatch}
	// ErrNoCommonAlgorithm indicates algorithm negotiation failed.
	ErrNoCommonAlgorithm = &Error{Code: ErrCodeNoCommonAlgorithm}
)

// NewError returns an Error with the given code and description.
func NewError(code ErrorCode, info string) error {
	return &Error{code, info}
}

// Errorf is like NewError but formats info according to a format specifier.
func Errorf(code ErrorCode, format string, a ...interface{}) error {
	return &Error{code, fmt.Sprintf(format, a...)}
}

func (e *Error) Error() string {
	if e.Info == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Info)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Code returns the ErrorCode carried by err, or zero if err is not an *Error.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
