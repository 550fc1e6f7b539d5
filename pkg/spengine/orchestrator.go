package spengine

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// defaultCredential is the literal credential value meaning "this user has
// no credential; use the default-password derivation" (spec §4.7 step 2).
const defaultCredential = "!"

// StorageFlags selects which storage class to prepare after unlock (spec
// §4.7 step 9). Only CE is exercised by this engine.
type StorageFlags int

// StorageFlagCE requests Credential-Encrypted storage preparation.
const StorageFlagCE StorageFlags = 1

// CEStorageUnlocker is the external collaborator that actually installs the
// derived FBE secret into the filesystem-encryption layer and mounts the
// user's CE storage (spec §1 "explicitly out of scope", §4.7 step 9). This
// engine only computes the secret; it never touches fscrypt ioctls itself.
type CEStorageUnlocker interface {
	UnlockCEStorage(ctx context.Context, uid uint32, fbeSecretHex string) error
	PrepareUserStorage(ctx context.Context, uid uint32, flags StorageFlags) error
}

// KeystoreInfo is the small persistent record, keyed by user id, that names
// the handle identifying a user's key-blob family and the keystore alias of
// the AES-256-GCM key that unwraps it (spec §3 "Handle", §4.6).
type KeystoreInfo struct {
	Handle        string
	KeystoreAlias string
}

// KeystoreInfoResolver resolves a user id to its KeystoreInfo.
type KeystoreInfoResolver interface {
	Resolve(uid uint32) (KeystoreInfo, error)
}

// BlobDirResolver resolves a user id to the directory holding its spblob
// artifacts (normally /data/system_de/<uid>/spblob).
type BlobDirResolver func(uid uint32) string

// OrchestratorConfig wires every external collaborator the Unwrap
// Orchestrator needs (spec §4.7). Every field is a capability interface so
// tests can substitute fakes without touching real hardware.
type OrchestratorConfig struct {
	KeystoreInfo  KeystoreInfoResolver
	BlobDir       BlobDirResolver
	Weaver        WeaverClient
	Gatekeeper    GatekeeperClient
	Keystore      KeystoreClient
	Authorization AuthorizationClient
	CEStorage     CEStorageUnlocker
	Snapshotter   PersistentDBSnapshotter
	Dispatcher    *Dispatcher
}

// Orchestrator drives the full synthetic-password unwrap pipeline described
// in spec §4.7: it is the 30%-share core component tying every other piece
// of this package together.
type Orchestrator struct {
	cfg OrchestratorConfig
}

// NewOrchestrator returns an Orchestrator built from cfg. All fields of cfg
// must be non-nil; this is checked eagerly so misconfiguration fails at
// construction, not mid-unlock.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.KeystoreInfo == nil:
		return nil, fmt.Errorf("orchestrator: KeystoreInfo resolver is required")
	case cfg.BlobDir == nil:
		return nil, fmt.Errorf("orchestrator: BlobDir resolver is required")
	case cfg.Weaver == nil:
		return nil, fmt.Errorf("orchestrator: Weaver client is required")
	case cfg.Gatekeeper == nil:
		return nil, fmt.Errorf("orchestrator: Gatekeeper client is required")
	case cfg.Keystore == nil:
		return nil, fmt.Errorf("orchestrator: Keystore client is required")
	case cfg.Authorization == nil:
		return nil, fmt.Errorf("orchestrator: Authorization client is required")
	case cfg.CEStorage == nil:
		return nil, fmt.Errorf("orchestrator: CEStorage unlocker is required")
	case cfg.Snapshotter == nil:
		return nil, fmt.Errorf("orchestrator: PersistentDBSnapshotter is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("orchestrator: Dispatcher is required")
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Unwrap runs the full pipeline for uid with the supplied credential
// ("!" for default-password) and, on success, has already called
// UnlockCEStorage and PrepareUserStorage on the configured CEStorageUnlocker.
func (o *Orchestrator) Unwrap(ctx context.Context, uid uint32, credential string) error {
	log := newAttemptLog()

	info, err := o.cfg.KeystoreInfo.Resolve(uid)
	if err != nil {
		return log.fail(stageErr(Locked, ErrIO, fmt.Errorf("resolve keystore info for uid %d", uid)))
	}
	store := NewBlobStore(o.cfg.BlobDir(uid))

	passwordToken, err := o.derivePasswordToken(ctx, store, info.Handle, credential)
	if err != nil {
		return log.fail(err)
	}
	defer passwordToken.Wipe()
	log.advance(TokenDerived)

	applicationID, err := o.buildApplicationID(ctx, store, uid, info.Handle, credential, passwordToken)
	if err != nil {
		return log.fail(err)
	}
	defer applicationID.Wipe()
	log.advance(ApplicationIDBuilt)

	blob, err := o.loadSpBlob(store, info.Handle)
	if err != nil {
		return log.fail(err)
	}

	synthPassword, err := o.openEnvelope(ctx, info.KeystoreAlias, blob, applicationID)
	if err != nil {
		return log.fail(err)
	}
	defer synthPassword.Wipe()
	log.advance(EnvelopeOpened)

	fbe := o.deriveFBESecret(blob.Version, synthPassword)
	defer fbe.Wipe()
	log.advance(SecretDerived)

	if err := o.cfg.CEStorage.UnlockCEStorage(ctx, uid, hex.EncodeToString(fbe.Bytes())); err != nil {
		return log.fail(stageErr(SecretDerived, ErrHardwareUnavailable, fmt.Errorf("unlock CE storage for uid %d", uid)))
	}
	if err := o.cfg.CEStorage.PrepareUserStorage(ctx, uid, StorageFlagCE); err != nil {
		return log.fail(stageErr(SecretDerived, ErrHardwareUnavailable, fmt.Errorf("prepare user storage for uid %d", uid)))
	}

	log.advance(Unlocked)
	slog.Info("unlock succeeded", "uid", uid, "spblob_version", blob.Version)
	return nil
}

// derivePasswordToken implements spec §4.7 step 2.
func (o *Orchestrator) derivePasswordToken(ctx context.Context, store *BlobStore, handle, credential string) (*Secret, error) {
	if credential == defaultCredential {
		if err := o.cfg.Dispatcher.Dispatch(ctx, func() error { return o.cfg.Snapshotter.Snapshot(ctx) }); err != nil {
			return nil, stageErr(Locked, ErrIO, fmt.Errorf("persistent DB snapshot prep: %w", err))
		}
		return deriveDefaultPasswordToken(), nil
	}

	raw, err := store.Read(handle, suffixPassword)
	if err != nil {
		return nil, stageErr(Locked, ErrBlobMissing, err)
	}
	pwd, err := parsePasswordData(raw)
	if err != nil {
		return nil, stageErr(Locked, ErrBlobCorrupt, err)
	}
	token, err := deriveScryptToken([]byte(credential), pwd.Salt, pwd.ScryptLogN, pwd.ScryptLogR, pwd.ScryptLogP)
	if err != nil {
		return nil, stageErr(Locked, ErrKdfFailed, err)
	}
	return token, nil
}

// buildApplicationID implements spec §4.7 step 3: the weaver-vs-secdiscardable
// branch, selected by the presence of the .weaver artifact (spec §3
// invariant: "Exactly one of {weaver path, secdis path} is taken").
func (o *Orchestrator) buildApplicationID(ctx context.Context, store *BlobStore, uid uint32, handle, credential string, passwordToken *Secret) (*Secret, error) {
	if store.Exists(handle, suffixWeaver) {
		return o.buildApplicationIDWeaver(ctx, store, handle, passwordToken)
	}
	return o.buildApplicationIDSecdiscardable(ctx, store, uid, handle, credential, passwordToken)
}

func (o *Orchestrator) buildApplicationIDWeaver(ctx context.Context, store *BlobStore, handle string, passwordToken *Secret) (*Secret, error) {
	raw, err := store.Read(handle, suffixWeaver)
	if err != nil {
		return nil, stageErr(TokenDerived, ErrBlobMissing, err)
	}
	weaverData, err := parseWeaverData(raw)
	if err != nil {
		return nil, stageErr(TokenDerived, ErrBlobCorrupt, err)
	}

	weaverKey := personalizeSecret(labelWeaverKey, passwordToken.Bytes())
	defer weaverKey.Wipe()

	keySize, err := o.cfg.Weaver.KeySize()
	if err != nil {
		return nil, stageErr(TokenDerived, ErrHardwareUnavailable, err)
	}
	if err := checkSecretLen("weaver key", int(keySize), weaverKey.Len()); err != nil {
		return nil, stageErr(TokenDerived, ErrBlobCorrupt, err)
	}

	var result WeaverResult
	err = o.cfg.Dispatcher.Dispatch(ctx, func() error {
		var verifyErr error
		result, verifyErr = o.cfg.Weaver.Verify(weaverData.Slot, weaverKey.Bytes())
		return verifyErr
	})
	if err != nil {
		return nil, stageErr(TokenDerived, ErrHardwareUnavailable, err)
	}
	switch result.Outcome {
	case WeaverOK:
	case WeaverIncorrect:
		return nil, stageErr(TokenDerived, ErrCredentialWrong, nil)
	case WeaverRetry:
		return nil, stageErr(TokenDerived, newRetryAfter(result.TimeoutMs), nil)
	default:
		return nil, stageErr(TokenDerived, ErrHardwareUnavailable, fmt.Errorf("weaver verify returned error outcome"))
	}

	weaverSecret := personalizeSecret(labelWeaverPwd, result.Payload)
	defer weaverSecret.Wipe()

	return concatApplicationID(passwordToken, weaverSecret), nil
}

func (o *Orchestrator) buildApplicationIDSecdiscardable(ctx context.Context, store *BlobStore, uid uint32, handle, credential string, passwordToken *Secret) (*Secret, error) {
	raw, err := store.Read(handle, suffixSecDiscardable)
	if err != nil {
		return nil, stageErr(TokenDerived, ErrBlobMissing, err)
	}
	secdisHash := personalizeSecret(labelSecdiscardableTransform, raw)
	defer secdisHash.Wipe()

	if credential != defaultCredential {
		if err := o.runGatekeeper(ctx, uid, handle, passwordToken); err != nil {
			return nil, err
		}
	}

	return concatApplicationID(passwordToken, secdisHash), nil
}

// runGatekeeper implements the gatekeeper leg of spec §4.7 step 3: verify
// the handle, then forward the returned auth token to the authorization
// service -- strictly before any keystore call (spec §5 ordering guarantee).
func (o *Orchestrator) runGatekeeper(ctx context.Context, uid uint32, handle string, passwordToken *Secret) error {
	gkToken := personalizeSecret(labelUserGkAuthentication, passwordToken.Bytes())
	defer gkToken.Wipe()

	var result GatekeeperResult
	err := o.cfg.Dispatcher.Dispatch(ctx, func() error {
		var verifyErr error
		result, verifyErr = o.cfg.Gatekeeper.Verify(gatekeeperFakeUIDOffset+uid, []byte(handle), gkToken.Bytes())
		return verifyErr
	})
	if err != nil {
		return stageErr(TokenDerived, ErrHardwareUnavailable, err)
	}

	switch result.Outcome {
	case GatekeeperOK:
	case GatekeeperRetry:
		return stageErr(TokenDerived, newRetryAfter(result.TimeoutMs), nil)
	default:
		return stageErr(TokenDerived, ErrCredentialWrong, nil)
	}

	if _, err := parseHardwareAuthToken(result.AuthToken); err != nil {
		return stageErr(TokenDerived, ErrBlobCorrupt, fmt.Errorf("gatekeeper returned malformed auth token: %w", err))
	}

	// Per spec §4.7 step 3: "if that step yields no payload, continue; the
	// keystore begin will fail with a diagnosable error" -- AddAuthToken
	// failures are not fatal here, they surface later as CredentialWrong or
	// KeyRotated from the keystore call itself.
	if err := o.cfg.Authorization.AddAuthToken(result.AuthToken); err != nil {
		slog.Warn("authorization service rejected auth token", "uid", uid, "error", err)
	}
	return nil
}

func newRetryAfter(timeoutMs uint32) error {
	return &RetryAfterError{Delay: msToDuration(timeoutMs)}
}

// loadSpBlob implements spec §4.7 step 4.
func (o *Orchestrator) loadSpBlob(store *BlobStore, handle string) (*SpBlob, error) {
	raw, err := store.Read(handle, suffixSpBlob)
	if err != nil {
		return nil, stageErr(ApplicationIDBuilt, ErrBlobMissing, err)
	}
	blob, err := parseSpBlob(raw)
	if err != nil {
		return nil, stageErr(ApplicationIDBuilt, ErrBlobCorrupt, err)
	}
	return blob, nil
}

// openEnvelope implements spec §4.7 steps 5-7: the keystore unwrap of the
// outer layer, followed by the AES-256-GCM decrypt of the inner envelope
// keyed by the personalized application ID.
func (o *Orchestrator) openEnvelope(ctx context.Context, alias string, blob *SpBlob, applicationID *Secret) (*Secret, error) {
	getRes, err := o.cfg.Keystore.GetKey(alias)
	if err != nil {
		return nil, stageErr(ApplicationIDBuilt, ErrHardwareUnavailable, err)
	}
	switch getRes.Outcome {
	case KeystoreOK:
	case KeystoreKeyNotFound:
		return nil, stageErr(ApplicationIDBuilt, ErrKeyRotated, nil)
	default:
		return nil, stageErr(ApplicationIDBuilt, ErrHardwareUnavailable, fmt.Errorf("keystore get_key returned error outcome"))
	}

	var decRes KeystoreDecryptResult
	err = o.cfg.Dispatcher.Dispatch(ctx, func() error {
		var decErr error
		decRes, decErr = o.cfg.Keystore.Decrypt(getRes.Handle, blob.IV, blob.CiphertextWithTag)
		return decErr
	})
	if err != nil {
		return nil, stageErr(ApplicationIDBuilt, ErrHardwareUnavailable, err)
	}
	switch decRes.Outcome {
	case KeystoreOK:
	case KeystoreAuthRejected:
		return nil, stageErr(ApplicationIDBuilt, ErrCredentialWrong, nil)
	default:
		return nil, stageErr(ApplicationIDBuilt, ErrHardwareUnavailable, fmt.Errorf("keystore decrypt returned error outcome"))
	}
	envelope := decRes.Plaintext

	if len(envelope) < 12+16 {
		return nil, stageErr(ApplicationIDBuilt, ErrBlobCorrupt, fmt.Errorf("inner envelope too short (%d bytes)", len(envelope)))
	}
	var innerIV [12]byte
	copy(innerIV[:], envelope[:12])
	innerPayload := envelope[12:]

	appIDHash := personalizeSecret(labelApplicationID, applicationID.Bytes())
	defer appIDHash.Wipe()
	aesKey := appIDHash.Bytes()[:32]

	synthPassword, err := aesGCMDecrypt(aesKey, innerIV, innerPayload)
	if err != nil {
		return nil, stageErr(ApplicationIDBuilt, ErrCryptoFailed, err)
	}
	return NewSecret(synthPassword), nil
}

// deriveFBESecret implements spec §4.7 step 8: the versioned post-processing
// hash that turns the synthetic password into the final FBE secret.
func (o *Orchestrator) deriveFBESecret(spBlobVersion byte, synthPassword *Secret) *Secret {
	if spBlobVersion == 3 {
		return personalizeSP800(labelFBEKey, sp800ContextFBEKey, synthPassword.Bytes())
	}
	return personalizeSecret(labelFBEKey, synthPassword.Bytes())
}

// concatApplicationID builds the 96-byte application_id = password_token ||
// secret (spec §3).
func concatApplicationID(passwordToken, secret *Secret) *Secret {
	out := make([]byte, 0, passwordToken.Len()+secret.Len())
	out = append(out, passwordToken.Bytes()...)
	out = append(out, secret.Bytes()...)
	return NewSecret(out)
}

// aesGCMDecrypt opens an AES-256-GCM envelope with a 128-bit tag and no AAD,
// matching the OpenSSL-equivalent primitives spec §2 calls for on the inner
// envelope.
func aesGCMDecrypt(key []byte, iv [12]byte, ciphertextWithTag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv[:], ciphertextWithTag, nil)
}
