package signature

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"sync"
)

// ContextSize is the size of a signature context in bytes.
const ContextSize = 8

var (
	errMalformedContext = errors.New("signature: malformed context")

	registeredContexts sync.Map
)

// Context is a domain separation context.
type Context string

// NewContext creates and registers a new context. This routine will panic
// if the context is malformed or is already registered, so that no two
// signed structures can ever share a context.
func NewContext(rawContext string) Context {
	if len(rawContext) != ContextSize {
		panic(fmt.Sprintf("signature: context '%s' must be exactly %d bytes", rawContext, ContextSize))
	}
	if _, isRegistered := registeredContexts.LoadOrStore(rawContext, true); isRegistered {
		panic(fmt.Sprintf("signature: context '%s' already registered", rawContext))
	}
	return Context(rawContext)
}

// Signer is an opaque interface for private keys that is capable of producing
// signatures, in the spirit of `crypto.Signer`.
type Signer interface {
	// Public returns the PublicKey corresponding to the signer.
	Public() PublicKey

	// ContextSign generates a signature with the private key over the context and
	// message.
	ContextSign(context Context, message []byte) ([]byte, error)

	// String returns the string representation of a Signer, which MUST not
	// include any sensitive information.
	String() string

	// Reset tears down the Signer and obliterates any sensitive state if any.
	Reset()
}

// PrepareSignerMessage prepares a context and message for signing by a Signer.
//
// The signed message is SHA512/256(context || message).
func PrepareSignerMessage(context Context, message []byte) ([]byte, error) {
	if len(context) != ContextSize {
		return nil, errMalformedContext
	}

	h := sha512.New512_256()
	_, _ = h.Write([]byte(context))
	_, _ = h.Write(message)
	sum := h.Sum(nil)

	return sum[:], nil
}
