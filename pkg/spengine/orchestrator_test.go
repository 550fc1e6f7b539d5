package spengine

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func aesGCMSealForTest(t *testing.T, key []byte, iv [12]byte, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}
	return gcm.Seal(nil, iv[:], plaintext, nil)
}

func writePwdFixture(t *testing.T, dir, name string, logN, logR, logP byte, salt []byte) {
	t.Helper()
	raw := buildPwdBytes(4, logN, logR, logP, salt, []byte("handle-material"))
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func writeSpBlobFixture(t *testing.T, dir, name string, version byte) {
	t.Helper()
	var iv [12]byte
	raw := buildSpBlobBytes(version, 0, iv, make([]byte, 16))
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func writeWeaverFixture(t *testing.T, dir, name string, version byte, slot uint32) {
	t.Helper()
	raw := make([]byte, 5)
	raw[0] = version
	binary.LittleEndian.PutUint32(raw[1:], slot)
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// fakeKeystoreInfoResolver ------------------------------------------------

type fakeKeystoreInfoResolver map[uint32]KeystoreInfo

func (f fakeKeystoreInfoResolver) Resolve(uid uint32) (KeystoreInfo, error) {
	info, ok := f[uid]
	if !ok {
		return KeystoreInfo{}, ErrIO
	}
	return info, nil
}

// fakeWeaverClient ---------------------------------------------------------

type fakeWeaverClient struct {
	keySize   uint32
	result    WeaverResult
	keySizeErr error
	verifyErr  error
	calls      int
	lastSlot   uint32
	lastKey    []byte
	failIfCalled bool
}

func (f *fakeWeaverClient) KeySize() (uint32, error) { return f.keySize, f.keySizeErr }

func (f *fakeWeaverClient) Verify(slot uint32, key []byte) (WeaverResult, error) {
	f.calls++
	f.lastSlot = slot
	f.lastKey = append([]byte(nil), key...)
	if f.failIfCalled {
		return WeaverResult{}, errUnexpectedCall
	}
	return f.result, f.verifyErr
}

// fakeGatekeeperClient -----------------------------------------------------

type fakeGatekeeperClient struct {
	result       GatekeeperResult
	verifyErr    error
	calls        int
	lastUserID   uint32
	failIfCalled bool
}

func (f *fakeGatekeeperClient) Verify(userID uint32, handle []byte, gkPasswordToken []byte) (GatekeeperResult, error) {
	f.calls++
	f.lastUserID = userID
	if f.failIfCalled {
		return GatekeeperResult{}, errUnexpectedCall
	}
	return f.result, f.verifyErr
}

// fakeKeystoreClient ---------------------------------------------------------

type fakeKeystoreClient struct {
	envelope       []byte
	getKeyOutcome  KeystoreOutcome
	getKeyErr      error
	decryptOutcome KeystoreOutcome
	decryptErr     error
	getKeyCalls    int
	decryptCalls   int
	failIfCalled   bool
}

func (f *fakeKeystoreClient) GetKey(alias string) (KeystoreGetKeyResult, error) {
	f.getKeyCalls++
	if f.failIfCalled {
		return KeystoreGetKeyResult{}, errUnexpectedCall
	}
	if f.getKeyErr != nil {
		return KeystoreGetKeyResult{}, f.getKeyErr
	}
	return KeystoreGetKeyResult{Outcome: f.getKeyOutcome, Handle: alias}, nil
}

func (f *fakeKeystoreClient) Decrypt(key KeyHandle, iv [12]byte, ciphertextWithTag []byte) (KeystoreDecryptResult, error) {
	f.decryptCalls++
	if f.failIfCalled {
		return KeystoreDecryptResult{}, errUnexpectedCall
	}
	if f.decryptErr != nil {
		return KeystoreDecryptResult{}, f.decryptErr
	}
	return KeystoreDecryptResult{Outcome: f.decryptOutcome, Plaintext: f.envelope}, nil
}

// fakeAuthorizationClient ---------------------------------------------------

type fakeAuthorizationClient struct {
	calls        int
	err          error
	failIfCalled bool
}

func (f *fakeAuthorizationClient) AddAuthToken(rawHALToken []byte) error {
	f.calls++
	if f.failIfCalled {
		return errUnexpectedCall
	}
	return f.err
}

// fakeCEStorage --------------------------------------------------------------

type fakeCEStorage struct {
	unlockUID   uint32
	unlockHex   string
	unlockCalls int
	prepareCalls int
	unlockErr   error
	prepareErr  error
}

func (f *fakeCEStorage) UnlockCEStorage(ctx context.Context, uid uint32, fbeSecretHex string) error {
	f.unlockCalls++
	f.unlockUID = uid
	f.unlockHex = fbeSecretHex
	return f.unlockErr
}

func (f *fakeCEStorage) PrepareUserStorage(ctx context.Context, uid uint32, flags StorageFlags) error {
	f.prepareCalls++
	return f.prepareErr
}

// fakeSnapshotter --------------------------------------------------------------

type fakeSnapshotter struct {
	calls int
	err   error
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context) error {
	f.calls++
	return f.err
}

var errUnexpectedCall = errors.New("spengine test: collaborator should not have been called")

func newTestDispatcher() *Dispatcher { return newDispatcher() }

func TestOrchestratorUnwrapDefaultPasswordSecdisV2ZeroPaddedHandle(t *testing.T) {
	dir := t.TempDir()
	handle := "7"

	secdisRaw := []byte("secdiscardable-raw-material-bytes")
	if err := os.WriteFile(filepath.Join(dir, "007.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "007.spblob", 2)

	passwordToken := deriveDefaultPasswordToken()
	defer passwordToken.Wipe()
	secdisHash := personalizeSecret(labelSecdiscardableTransform, secdisRaw)
	defer secdisHash.Wipe()
	applicationID := concatApplicationID(passwordToken, secdisHash)
	defer applicationID.Wipe()

	aesKeyArr := personalize(labelApplicationID, applicationID.Bytes())
	aesKey := aesKeyArr[:32]

	var innerIV [12]byte
	copy(innerIV[:], []byte("scenario1-iv"))
	synthPassword := []byte("synthetic-password-32-bytes-long")
	ciphertextWithTag := aesGCMSealForTest(t, aesKey, innerIV, synthPassword)
	envelope := append(append([]byte{}, innerIV[:]...), ciphertextWithTag...)

	expectedFBE := personalizeSecret(labelFBEKey, synthPassword)
	defer expectedFBE.Wipe()

	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	keystore := &fakeKeystoreClient{envelope: envelope}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}
	snapshotter := &fakeSnapshotter{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{10: {Handle: handle, KeystoreAlias: "alias-1"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   snapshotter,
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	if err := orch.Unwrap(context.Background(), 10, defaultCredential); err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	if ceStorage.unlockCalls != 1 || ceStorage.prepareCalls != 1 {
		t.Fatalf("CEStorage calls = unlock:%d prepare:%d, want 1/1", ceStorage.unlockCalls, ceStorage.prepareCalls)
	}
	if ceStorage.unlockUID != 10 {
		t.Fatalf("unlock uid = %d, want 10", ceStorage.unlockUID)
	}
	if want := hex.EncodeToString(expectedFBE.Bytes()); ceStorage.unlockHex != want {
		t.Fatalf("fbe secret mismatch: got %s want %s", ceStorage.unlockHex, want)
	}
	if snapshotter.calls != 1 {
		t.Fatalf("snapshotter calls = %d, want 1", snapshotter.calls)
	}
	if weaver.calls != 0 || gatekeeper.calls != 0 || auth.calls != 0 {
		t.Fatal("weaver/gatekeeper/authorization should not be invoked on the default-password secdiscardable path")
	}
}

func TestOrchestratorUnwrapWeaverPathV3(t *testing.T) {
	dir := t.TempDir()
	handle := "8"
	salt := []byte("weaver-path-salt")

	writePwdFixture(t, dir, "8.pwd", 4, 1, 1, salt)
	writeWeaverFixture(t, dir, "8.weaver", 1, 3)
	writeSpBlobFixture(t, dir, "8.spblob", 3)

	passwordToken, err := deriveScryptToken([]byte("1234"), salt, 4, 1, 1)
	if err != nil {
		t.Fatalf("deriveScryptToken: %v", err)
	}
	defer passwordToken.Wipe()

	weaverKey := personalizeSecret(labelWeaverKey, passwordToken.Bytes())
	defer weaverKey.Wipe()

	weaverPayload := []byte("weaver-escrowed-payload-bytes")
	weaverSecret := personalizeSecret(labelWeaverPwd, weaverPayload)
	defer weaverSecret.Wipe()

	applicationID := concatApplicationID(passwordToken, weaverSecret)
	defer applicationID.Wipe()

	aesKeyArr := personalize(labelApplicationID, applicationID.Bytes())
	aesKey := aesKeyArr[:32]

	var innerIV [12]byte
	copy(innerIV[:], []byte("scenario2-iv"))
	synthPassword := []byte("another-synthetic-password-bytes")
	ciphertextWithTag := aesGCMSealForTest(t, aesKey, innerIV, synthPassword)
	envelope := append(append([]byte{}, innerIV[:]...), ciphertextWithTag...)

	expectedFBE := personalizeSP800(labelFBEKey, sp800ContextFBEKey, synthPassword)
	defer expectedFBE.Wipe()

	weaver := &fakeWeaverClient{keySize: uint32(weaverKey.Len()), result: WeaverResult{Outcome: WeaverOK, Payload: weaverPayload}}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	keystore := &fakeKeystoreClient{envelope: envelope}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}
	snapshotter := &fakeSnapshotter{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{20: {Handle: handle, KeystoreAlias: "alias-2"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   snapshotter,
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	if err := orch.Unwrap(context.Background(), 20, "1234"); err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	if weaver.calls != 1 || weaver.lastSlot != 3 {
		t.Fatalf("weaver calls=%d lastSlot=%d, want 1/3", weaver.calls, weaver.lastSlot)
	}
	if gatekeeper.calls != 0 {
		t.Fatal("gatekeeper should not be invoked on the weaver path")
	}
	if snapshotter.calls != 0 {
		t.Fatal("snapshotter should not be invoked for a non-default credential")
	}
	if want := hex.EncodeToString(expectedFBE.Bytes()); ceStorage.unlockHex != want {
		t.Fatalf("fbe secret mismatch: got %s want %s", ceStorage.unlockHex, want)
	}
}

func TestOrchestratorUnwrapSecdisPathWithGatekeeperSuccess(t *testing.T) {
	dir := t.TempDir()
	handle := "13"
	salt := []byte("gatekeeper-success-salt")

	writePwdFixture(t, dir, "13.pwd", 4, 1, 1, salt)
	secdisRaw := []byte("secdiscardable-raw-material-ok")
	if err := os.WriteFile(filepath.Join(dir, "13.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "13.spblob", 2)

	passwordToken, err := deriveScryptToken([]byte("5683"), salt, 4, 1, 1)
	if err != nil {
		t.Fatalf("deriveScryptToken: %v", err)
	}
	defer passwordToken.Wipe()

	secdisHash := personalizeSecret(labelSecdiscardableTransform, secdisRaw)
	defer secdisHash.Wipe()
	applicationID := concatApplicationID(passwordToken, secdisHash)
	defer applicationID.Wipe()

	aesKeyArr := personalize(labelApplicationID, applicationID.Bytes())
	aesKey := aesKeyArr[:32]

	var innerIV [12]byte
	copy(innerIV[:], []byte("scenario7-iv"))
	synthPassword := []byte("yet-another-synthetic-password!!")
	ciphertextWithTag := aesGCMSealForTest(t, aesKey, innerIV, synthPassword)
	envelope := append(append([]byte{}, innerIV[:]...), ciphertextWithTag...)

	expectedFBE := personalizeSecret(labelFBEKey, synthPassword)
	defer expectedFBE.Wipe()

	var mac [32]byte
	authToken := buildAuthTokenBytes(0, 0, uint64(gatekeeperFakeUIDOffset+60), 1, 1, 1000, mac)

	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{result: GatekeeperResult{Outcome: GatekeeperOK, AuthToken: authToken}}
	keystore := &fakeKeystoreClient{envelope: envelope}
	auth := &fakeAuthorizationClient{}
	ceStorage := &fakeCEStorage{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{60: {Handle: handle, KeystoreAlias: "alias-7"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	if err := orch.Unwrap(context.Background(), 60, "5683"); err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if gatekeeper.calls != 1 || gatekeeper.lastUserID != gatekeeperFakeUIDOffset+60 {
		t.Fatalf("gatekeeper calls=%d lastUserID=%d, want 1/%d", gatekeeper.calls, gatekeeper.lastUserID, gatekeeperFakeUIDOffset+60)
	}
	if auth.calls != 1 {
		t.Fatalf("authorization calls = %d, want 1", auth.calls)
	}
	if want := hex.EncodeToString(expectedFBE.Bytes()); ceStorage.unlockHex != want {
		t.Fatalf("fbe secret mismatch: got %s want %s", ceStorage.unlockHex, want)
	}
}

func TestOrchestratorUnwrapWrongCredentialSecdisPathIsCredentialWrong(t *testing.T) {
	dir := t.TempDir()
	handle := "9"
	salt := []byte("wrong-credential-salt")

	writePwdFixture(t, dir, "9.pwd", 4, 1, 1, salt)
	if err := os.WriteFile(filepath.Join(dir, "9.secdis"), []byte("secdis-material"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "9.spblob", 2)

	gatekeeper := &fakeGatekeeperClient{result: GatekeeperResult{Outcome: GatekeeperError}}
	weaver := &fakeWeaverClient{failIfCalled: true}
	keystore := &fakeKeystoreClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}
	snapshotter := &fakeSnapshotter{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{30: {Handle: handle, KeystoreAlias: "alias-3"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   snapshotter,
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 30, "0000")
	if err == nil {
		t.Fatal("expected an error for a rejected gatekeeper verify, got nil")
	}
	if !IsCredentialWrong(err) {
		t.Fatalf("expected IsCredentialWrong, got %v", err)
	}
	if keystore.getKeyCalls != 0 || keystore.decryptCalls != 0 {
		t.Fatal("keystore should not be reached once gatekeeper rejects the credential")
	}
	if ceStorage.unlockCalls != 0 {
		t.Fatal("CE storage should not be touched on a failed unwrap")
	}
}

func TestOrchestratorUnwrapGatekeeperRetryYieldsRetryAfter(t *testing.T) {
	dir := t.TempDir()
	handle := "11"
	salt := []byte("retry-salt")

	writePwdFixture(t, dir, "11.pwd", 4, 1, 1, salt)
	if err := os.WriteFile(filepath.Join(dir, "11.secdis"), []byte("secdis-material"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "11.spblob", 2)

	gatekeeper := &fakeGatekeeperClient{result: GatekeeperResult{Outcome: GatekeeperRetry, TimeoutMs: 1500}}
	weaver := &fakeWeaverClient{failIfCalled: true}
	keystore := &fakeKeystoreClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{40: {Handle: handle, KeystoreAlias: "alias-4"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     &fakeCEStorage{},
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 40, "0000")
	delay, ok := AsRetryAfter(err)
	if !ok {
		t.Fatalf("expected a RetryAfterError, got %v", err)
	}
	if delay.Milliseconds() != 1500 {
		t.Fatalf("delay = %s, want 1500ms", delay)
	}
}

func TestOrchestratorUnwrapCorruptSpBlobIsBlobCorruptAndSkipsKeystore(t *testing.T) {
	dir := t.TempDir()
	handle := "12"
	secdisRaw := []byte("secdiscardable-material")
	if err := os.WriteFile(filepath.Join(dir, "12.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	// version 9 is not a recognized spblob version (must be 2 or 3).
	var iv [12]byte
	corrupt := buildSpBlobBytes(9, 0, iv, make([]byte, 16))
	if err := os.WriteFile(filepath.Join(dir, "12.spblob"), corrupt, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	keystore := &fakeKeystoreClient{failIfCalled: true}
	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{50: {Handle: handle, KeystoreAlias: "alias-5"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 50, defaultCredential)
	if !IsBlobCorrupt(err) {
		t.Fatalf("expected IsBlobCorrupt, got %v", err)
	}
	if keystore.getKeyCalls != 0 || keystore.decryptCalls != 0 {
		t.Fatal("keystore should never be called once the spblob fails to parse")
	}
	if ceStorage.unlockCalls != 0 {
		t.Fatal("CE storage should not be touched on a failed unwrap")
	}

	trail := TrailOf(err)
	if len(trail) == 0 {
		t.Fatal("expected a non-empty transition trail on a failed unwrap")
	}
	last := trail[len(trail)-1]
	if last.From != ApplicationIDBuilt || last.To != ApplicationIDBuilt || last.Err == nil {
		t.Fatalf("unexpected final transition: %+v", last)
	}
}

func TestOrchestratorUnwrapKeystoreKeyNotFoundIsKeyRotated(t *testing.T) {
	dir := t.TempDir()
	handle := "14"
	secdisRaw := []byte("secdiscardable-material-for-rotated-key")
	if err := os.WriteFile(filepath.Join(dir, "14.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "14.spblob", 2)

	keystore := &fakeKeystoreClient{getKeyOutcome: KeystoreKeyNotFound}
	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{70: {Handle: handle, KeystoreAlias: "alias-8"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 70, defaultCredential)
	if !IsKeyRotated(err) {
		t.Fatalf("expected IsKeyRotated, got %v", err)
	}
	if IsCredentialWrong(err) || IsHardwareUnavailable(err) {
		t.Fatalf("key-not-found error misclassified: %v", err)
	}
	if keystore.decryptCalls != 0 {
		t.Fatal("decrypt should not be attempted once get_key reports key not found")
	}
	if ceStorage.unlockCalls != 0 {
		t.Fatal("CE storage should not be touched on a failed unwrap")
	}
}

func TestOrchestratorUnwrapKeystoreTransportErrorIsHardwareUnavailable(t *testing.T) {
	dir := t.TempDir()
	handle := "15"
	secdisRaw := []byte("secdiscardable-material-for-transport-error")
	if err := os.WriteFile(filepath.Join(dir, "15.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "15.spblob", 2)

	keystore := &fakeKeystoreClient{getKeyErr: errors.New("transport: connection reset")}
	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{80: {Handle: handle, KeystoreAlias: "alias-9"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 80, defaultCredential)
	if !IsHardwareUnavailable(err) {
		t.Fatalf("expected IsHardwareUnavailable, got %v", err)
	}
	if IsCredentialWrong(err) || IsKeyRotated(err) {
		t.Fatalf("transport-level get_key failure misclassified as an auth outcome: %v", err)
	}
	if ceStorage.unlockCalls != 0 {
		t.Fatal("CE storage should not be touched on a failed unwrap")
	}
}

func TestOrchestratorUnwrapKeystoreDecryptAuthRejectedIsCredentialWrong(t *testing.T) {
	dir := t.TempDir()
	handle := "16"
	secdisRaw := []byte("secdiscardable-material-for-auth-rejected")
	if err := os.WriteFile(filepath.Join(dir, "16.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "16.spblob", 2)

	keystore := &fakeKeystoreClient{decryptOutcome: KeystoreAuthRejected}
	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{90: {Handle: handle, KeystoreAlias: "alias-10"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 90, defaultCredential)
	if !IsCredentialWrong(err) {
		t.Fatalf("expected IsCredentialWrong, got %v", err)
	}
	if IsKeyRotated(err) || IsHardwareUnavailable(err) {
		t.Fatalf("auth-rejected decrypt misclassified: %v", err)
	}
	if ceStorage.unlockCalls != 0 {
		t.Fatal("CE storage should not be touched on a failed unwrap")
	}
}

func TestOrchestratorUnwrapKeystoreDecryptGenericErrorIsHardwareUnavailable(t *testing.T) {
	dir := t.TempDir()
	handle := "17"
	secdisRaw := []byte("secdiscardable-material-for-generic-decrypt-error")
	if err := os.WriteFile(filepath.Join(dir, "17.secdis"), secdisRaw, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	writeSpBlobFixture(t, dir, "17.spblob", 2)

	keystore := &fakeKeystoreClient{decryptOutcome: KeystoreError}
	weaver := &fakeWeaverClient{failIfCalled: true}
	gatekeeper := &fakeGatekeeperClient{failIfCalled: true}
	auth := &fakeAuthorizationClient{failIfCalled: true}
	ceStorage := &fakeCEStorage{}

	orch, err := NewOrchestrator(OrchestratorConfig{
		KeystoreInfo:  fakeKeystoreInfoResolver{95: {Handle: handle, KeystoreAlias: "alias-11"}},
		BlobDir:       func(uint32) string { return dir },
		Weaver:        weaver,
		Gatekeeper:    gatekeeper,
		Keystore:      keystore,
		Authorization: auth,
		CEStorage:     ceStorage,
		Snapshotter:   &fakeSnapshotter{},
		Dispatcher:    newTestDispatcher(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	err = orch.Unwrap(context.Background(), 95, defaultCredential)
	if !IsHardwareUnavailable(err) {
		t.Fatalf("expected IsHardwareUnavailable, got %v", err)
	}
	if IsCredentialWrong(err) || IsKeyRotated(err) {
		t.Fatalf("generic decrypt-outcome error misclassified as an auth outcome: %v", err)
	}
	if ceStorage.unlockCalls != 0 {
		t.Fatal("CE storage should not be touched on a failed unwrap")
	}
}
