package spengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
)

// personalizePadLen is the fixed width a label is right-padded to before
// being hashed with the caller's data (spec §4.3).
const personalizePadLen = 128

// Recognized personalization labels (spec §4.3). Each must be encoded
// exactly as given here.
const (
	labelApplicationID           = "application-id"
	labelFBEKey                  = "fbe-key"
	labelSecdiscardableTransform = "secdiscardable-transform"
	labelWeaverKey               = "weaver-key"
	labelWeaverPwd               = "weaver-pwd"
	labelUserGkAuthentication    = "user-gk-authentication"
	sp800ContextFBEKey           = "fbe-key-context"
)

// padLabel right-pads label with NUL bytes to exactly personalizePadLen
// bytes. label must not exceed personalizePadLen bytes.
func padLabel(label string) []byte {
	out := make([]byte, personalizePadLen)
	copy(out, label)
	return out
}

// personalize computes SHA-512(pad_128(label) || data), producing the
// 64-byte personalized hash used throughout the unwrap pipeline (spec §4.3).
func personalize(label string, data []byte) [64]byte {
	h := sha512.New()
	h.Write(padLabel(label))
	h.Write(data)
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// personalizeSecret is personalize wrapped as a Secret for callers that
// immediately feed the result into further derivation and want it zeroized.
func personalizeSecret(label string, data []byte) *Secret {
	h := personalize(label, data)
	return NewSecret(append([]byte(nil), h[:]...))
}

// personalizeSP800 implements the NIST SP 800-108 counter-mode KDF with
// HMAC-SHA-256 as the PRF, keyed by data, with label and context as the
// fixed input, producing a 32-byte output. Used only for spblob version 3
// (spec §4.3).
//
// Construction: PRF(data, [i]_32 || label || 0x00 || context || [L]_32)
// where i is the 1-based block counter and L is the requested output length
// in bits. A single HMAC-SHA-256 block (32 bytes) covers the requested
// output, so exactly one iteration is performed.
func personalizeSP800(label, context string, data []byte) *Secret {
	const outputLen = 32 // bytes
	mac := hmac.New(sha256.New, data)

	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], 1)
	mac.Write(counter[:])
	mac.Write([]byte(label))
	mac.Write([]byte{0x00})
	mac.Write([]byte(context))

	var lengthBits [4]byte
	binary.BigEndian.PutUint32(lengthBits[:], uint32(outputLen*8))
	mac.Write(lengthBits[:])

	sum := mac.Sum(nil)
	return NewSecret(append([]byte(nil), sum[:outputLen]...))
}
