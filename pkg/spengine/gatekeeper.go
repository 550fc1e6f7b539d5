package spengine

import (
	"encoding/binary"
	"fmt"
)

// gatekeeperFakeUIDOffset implements Android's "fake uid" convention: the
// gatekeeper HAL addresses users as 100000+uid (spec §6).
const gatekeeperFakeUIDOffset = 100000

// GatekeeperOutcome classifies the result of a gatekeeper verify call
// (spec §4.5).
type GatekeeperOutcome int

const (
	GatekeeperOK GatekeeperOutcome = iota
	GatekeeperRetry
	GatekeeperError
)

// GatekeeperResult is the outcome of GatekeeperClient.Verify.
type GatekeeperResult struct {
	Outcome   GatekeeperOutcome
	AuthToken []byte // raw 69-byte HAL layout, valid only when Outcome == GatekeeperOK
	TimeoutMs uint32 // valid only when Outcome == GatekeeperRetry
}

// GatekeeperClient is the capability for verifying a gatekeeper handle
// against a gatekeeper-personalized password token (spec §4.5, §6).
type GatekeeperClient interface {
	// Verify checks handle against gkPasswordToken for the given gatekeeper
	// user id (the Android user id already offset by gatekeeperFakeUIDOffset
	// by the caller) with challenge fixed at 0, per spec §6.
	Verify(userID uint32, handle []byte, gkPasswordToken []byte) (GatekeeperResult, error)
}

// authTokenSize is the fixed HAL layout size: a one-byte version field
// (Android's hw_auth_token_t.version, always 0) followed by the fields
// enumerated in spec §4.5.
const authTokenSize = 1 + 8 + 8 + 8 + 4 + 8 + 32

// HardwareAuthToken is the decoded form of the 69-byte HAL auth-token blob
// returned by GatekeeperClient.Verify (spec §4.5). It is used only to
// validate the blob's shape for diagnostics; the orchestrator always
// forwards the original raw bytes to the authorization service unchanged
// (spec §4.5: "forwarded unchanged"), never a value re-serialized from this
// struct, so a decode/re-encode mismatch can never corrupt the token.
//
// Challenge, UserID and AuthenticatorID are host-order on the wire;
// AuthenticatorType and TimestampMs are explicitly big-endian (spec §9: "the
// gatekeeper auth-token's authenticator_type and timestamp are big-endian").
type HardwareAuthToken struct {
	Version           byte
	Challenge         uint64
	UserID            uint64
	AuthenticatorID   uint64
	AuthenticatorType uint32 // big-endian on the wire
	TimestampMs       uint64 // big-endian on the wire
	HMAC              [32]byte
}

// parseHardwareAuthToken validates and decodes a raw auth-token blob.
func parseHardwareAuthToken(raw []byte) (*HardwareAuthToken, error) {
	if len(raw) != authTokenSize {
		return nil, fmt.Errorf("auth token: expected %d bytes, got %d: %w", authTokenSize, len(raw), ErrBlobCorrupt)
	}
	r := newByteReader(raw)

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	challengeB, err := r.take(8)
	if err != nil {
		return nil, err
	}
	userIDB, err := r.take(8)
	if err != nil {
		return nil, err
	}
	authIDB, err := r.take(8)
	if err != nil {
		return nil, err
	}
	authTypeB, err := r.take(4)
	if err != nil {
		return nil, err
	}
	tsB, err := r.take(8)
	if err != nil {
		return nil, err
	}
	hmacB, err := r.take(32)
	if err != nil {
		return nil, err
	}

	tok := &HardwareAuthToken{
		Version:           version,
		Challenge:         binary.LittleEndian.Uint64(challengeB),
		UserID:            binary.LittleEndian.Uint64(userIDB),
		AuthenticatorID:   binary.LittleEndian.Uint64(authIDB),
		AuthenticatorType: binary.BigEndian.Uint32(authTypeB),
		TimestampMs:       binary.BigEndian.Uint64(tsB),
	}
	copy(tok.HMAC[:], hmacB)
	return tok, nil
}
