package spengine

import (
	"encoding/binary"
	"fmt"
)

// byteReader is a bounds-checked cursor over an on-disk artifact. Every read
// validates that the declared length does not exceed the remaining buffer
// before slicing, so a truncated or hostile file produces ErrBlobCorrupt
// instead of a panic or an out-of-bounds read (spec §9: "replace every raw
// cast with a bounds-checked reader").
type byteReader struct {
	buf []byte
	pos int
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{buf: buf}
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *byteReader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("need %d bytes, have %d: %w", n, r.remaining(), ErrBlobCorrupt)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *byteReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) i32BE() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *byteReader) u32LE() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// PasswordType classifies the credential stored for a user, as surfaced by
// the Password-Type Probe (spec §4.8) so the UI can prompt accordingly.
type PasswordType int

const (
	// PasswordTypeNone is the zero value. The probe does not return it: a
	// user with no password-blob directory and no legacy key file is
	// reported as PasswordTypeDefault.
	PasswordTypeNone PasswordType = iota
	PasswordTypeDefault
	PasswordTypePassword
	PasswordTypePattern
	PasswordTypePin
	// PasswordTypePasswordOrPin is returned for the legacy password_type==2
	// encoding, which Android >=11 can no longer distinguish (spec §9 open
	// question: preserved as ambiguous on purpose).
	PasswordTypePasswordOrPin
)

func (t PasswordType) String() string {
	switch t {
	case PasswordTypeNone:
		return "none"
	case PasswordTypeDefault:
		return "default"
	case PasswordTypePassword:
		return "password"
	case PasswordTypePattern:
		return "pattern"
	case PasswordTypePin:
		return "pin"
	case PasswordTypePasswordOrPin:
		return "password_or_pin"
	default:
		return "unknown"
	}
}

// passwordTypeFromWire maps the raw i32 password_type field of a .pwd file
// to the engine's public PasswordType enum (spec §4.8, §6).
func passwordTypeFromWire(raw int32) PasswordType {
	switch raw {
	case 1:
		return PasswordTypePattern
	case 2:
		return PasswordTypePasswordOrPin
	case 3:
		return PasswordTypePin
	case 4:
		return PasswordTypePassword
	case -1:
		return PasswordTypeDefault
	default:
		return PasswordTypeDefault
	}
}

// PasswordData is the parsed contents of a <handle>.pwd artifact (spec §3, §6).
type PasswordData struct {
	PasswordType                PasswordType
	ScryptLogN, ScryptLogR, ScryptLogP uint8
	Salt                         []byte
	PasswordHandle               []byte
}

// parsePasswordData decodes the big-endian .pwd wire format:
//
//	i32 password_type | u8 scryptN | u8 scryptR | u8 scryptP |
//	i32 salt_len | bytes salt[salt_len] |
//	i32 handle_len | bytes handle[handle_len]
func parsePasswordData(raw []byte) (*PasswordData, error) {
	r := newByteReader(raw)

	ptype, err := r.i32BE()
	if err != nil {
		return nil, fmt.Errorf("pwd password_type: %w", err)
	}
	logN, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("pwd scryptN: %w", err)
	}
	logR, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("pwd scryptR: %w", err)
	}
	logP, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("pwd scryptP: %w", err)
	}

	saltLen, err := r.i32BE()
	if err != nil {
		return nil, fmt.Errorf("pwd salt_len: %w", err)
	}
	if saltLen <= 0 {
		return nil, fmt.Errorf("pwd salt_len must be > 0, got %d: %w", saltLen, ErrBlobCorrupt)
	}
	salt, err := r.take(int(saltLen))
	if err != nil {
		return nil, fmt.Errorf("pwd salt: %w", err)
	}

	handleLen, err := r.i32BE()
	if err != nil {
		return nil, fmt.Errorf("pwd handle_len: %w", err)
	}
	if handleLen < 0 {
		return nil, fmt.Errorf("pwd handle_len must be >= 0, got %d: %w", handleLen, ErrBlobCorrupt)
	}
	handle, err := r.take(int(handleLen))
	if err != nil {
		return nil, fmt.Errorf("pwd handle: %w", err)
	}

	return &PasswordData{
		PasswordType: passwordTypeFromWire(ptype),
		ScryptLogN:   logN,
		ScryptLogR:   logR,
		ScryptLogP:   logP,
		Salt:         append([]byte(nil), salt...),
		PasswordHandle: append([]byte(nil), handle...),
	}, nil
}

// SpBlobType is the blob-type byte of an SpBlob. Only PASSWORD_BASED is
// accepted by the unwrap path (spec §3).
type SpBlobType byte

const spBlobTypePasswordBased SpBlobType = 0

// SpBlob is the parsed contents of a <handle>.spblob artifact (spec §3, §6).
type SpBlob struct {
	Version           byte
	Type              SpBlobType
	IV                [12]byte
	CiphertextWithTag []byte
}

// parseSpBlob decodes: u8 version | u8 type | u8[12] iv | bytes ciphertext_with_tag.
// Per spec §3/§8, any version outside {2,3} or any non-zero type byte is
// BlobCorrupt -- including the legacy v1 format, which this unwrap path
// deliberately does not support (spec §9 open question, resolved: aborts).
func parseSpBlob(raw []byte) (*SpBlob, error) {
	r := newByteReader(raw)

	version, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("spblob version: %w", err)
	}
	typeByte, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("spblob type: %w", err)
	}
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("spblob version %d is not supported: %w", version, ErrBlobCorrupt)
	}
	if SpBlobType(typeByte) != spBlobTypePasswordBased {
		return nil, fmt.Errorf("spblob type %d is not PASSWORD_BASED: %w", typeByte, ErrBlobCorrupt)
	}

	ivBytes, err := r.take(12)
	if err != nil {
		return nil, fmt.Errorf("spblob iv: %w", err)
	}
	blob := &SpBlob{Version: version, Type: SpBlobType(typeByte)}
	copy(blob.IV[:], ivBytes)
	blob.CiphertextWithTag = append([]byte(nil), r.rest()...)
	if len(blob.CiphertextWithTag) < 16 {
		return nil, fmt.Errorf("spblob ciphertext shorter than one GCM tag: %w", ErrBlobCorrupt)
	}
	return blob, nil
}

// WeaverData is the parsed contents of a <handle>.weaver artifact (spec §3, §6).
// The slot field is host-endian on disk, matching observed behavior (spec §9:
// "this matches observed behavior and must not be 'corrected'").
type WeaverData struct {
	Version byte
	Slot    uint32
}

func parseWeaverData(raw []byte) (*WeaverData, error) {
	r := newByteReader(raw)
	version, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("weaver version: %w", err)
	}
	slot, err := r.u32LE()
	if err != nil {
		return nil, fmt.Errorf("weaver slot: %w", err)
	}
	return &WeaverData{Version: version, Slot: slot}, nil
}
