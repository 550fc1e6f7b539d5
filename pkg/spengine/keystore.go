package spengine

// KeyDescriptor names an AES-256-GCM key held by the keystore, scoped to the
// caller's namespace (spec §4.6: domain=SELINUX, namespace=LOCKSETTINGS).
type KeyDescriptor struct {
	Alias string
}

// KeyHandle is an opaque reference to a resolved keystore key, returned by
// KeystoreClient.GetKey and consumed by Decrypt.
type KeyHandle interface{}

// gcmTagBits is the fixed AES-GCM authentication tag length used for every
// keystore decrypt call (spec §4.6).
const gcmTagBits = 128

// KeystoreOutcome classifies the result of a keystore get_key or decrypt
// call (spec §4.6, §7), mirroring WeaverResult/GatekeeperResult's Outcome
// field so the orchestrator can branch on the actual HAL-reported cause
// instead of treating every failure the same way.
type KeystoreOutcome int

const (
	KeystoreOK KeystoreOutcome = iota
	// KeystoreKeyNotFound is GetKey's NotFound outcome: the keystore holds
	// no key under the requested alias (spec §7: surfaced as KeyRotated).
	KeystoreKeyNotFound
	// KeystoreAuthRejected is Decrypt's outcome when the begin operation
	// could not start because of an unauthenticated/not-yet-valid key
	// (spec §7: surfaced as CredentialWrong).
	KeystoreAuthRejected
	// KeystoreError is any other GetKey/Decrypt failure (spec §7:
	// surfaced as HardwareUnavailable).
	KeystoreError
)

// KeystoreGetKeyResult is the outcome of KeystoreClient.GetKey.
type KeystoreGetKeyResult struct {
	Outcome KeystoreOutcome
	Handle  KeyHandle // valid only when Outcome == KeystoreOK
}

// KeystoreDecryptResult is the outcome of KeystoreClient.Decrypt.
type KeystoreDecryptResult struct {
	Outcome   KeystoreOutcome
	Plaintext []byte // valid only when Outcome == KeystoreOK
}

// KeystoreClient is the capability for the hardware-backed key-blob service
// that holds the AES-256-GCM key unwrapping the outer spblob layer
// (spec §4.6, §6). The call sequence is fixed: GetKey, then Decrypt, which
// internally begins an AES/GCM/NONE decrypt operation authorized by whatever
// auth token the authorization service currently holds for this key, and
// finishes it with the ciphertext. The returned error is reserved for
// transport-level failures (the dispatcher gate, a lost connection); a
// call that reached the keystore and got a HAL-reported result always
// returns a nil error with Outcome set instead.
type KeystoreClient interface {
	// GetKey resolves alias to a key handle.
	GetKey(alias string) (KeystoreGetKeyResult, error)

	// Decrypt runs AES-256-GCM decryption with key, iv (the first 12 bytes
	// of the spblob payload) and no AAD over ciphertextWithTag (the
	// remainder, tag-appended). MAC length is fixed at gcmTagBits.
	Decrypt(key KeyHandle, iv [12]byte, ciphertextWithTag []byte) (KeystoreDecryptResult, error)
}

// AuthorizationClient is the per-boot broker that keeps hardware auth tokens
// and forwards them to the keystore during key operations (spec §4.5, §6,
// glossary). On the secdiscardable path, AddAuthToken must be called before
// the corresponding KeystoreClient.Decrypt, or the keystore rejects the
// operation (spec §5 ordering guarantee).
type AuthorizationClient interface {
	AddAuthToken(rawHALToken []byte) error
}
