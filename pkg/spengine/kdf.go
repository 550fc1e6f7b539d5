package spengine

import (
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// passwordTokenLen is the fixed output length of the Scrypt KDF (spec §3).
const passwordTokenLen = 32

// defaultPasswordLiteral is the literal token used in place of a scrypt
// derivation for a default-password user (spec §3, §4.7 step 2);
// deriveDefaultPasswordToken pads it with zero bytes out to passwordTokenLen.
const defaultPasswordLiteral = "default-password"

// deriveDefaultPasswordToken returns the fixed "default-password" token,
// zero-padded to passwordTokenLen, used when credential == "!".
func deriveDefaultPasswordToken() *Secret {
	b := make([]byte, passwordTokenLen)
	copy(b, defaultPasswordLiteral)
	return NewSecret(b)
}

// deriveScryptToken computes the 32-byte password token from a credential
// using scrypt, with N/r/p read verbatim (as powers of two of the stored
// exponents) from the on-disk PasswordData -- no clamping, per spec §4.2.
func deriveScryptToken(credential []byte, salt []byte, logN, logR, logP uint8) (*Secret, error) {
	n := 1 << logN
	r := 1 << logR
	p := 1 << logP

	key, err := scrypt.Key(credential, salt, n, r, p, passwordTokenLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation (N=2^%d r=2^%d p=2^%d): %w: %v", logN, logR, logP, ErrKdfFailed, err)
	}
	return NewSecret(key), nil
}
