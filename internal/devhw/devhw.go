// Package devhw provides local, filesystem-backed stand-ins for the
// hardware services the synthetic-password engine talks to (weaver,
// gatekeeper, keystore, authorization, CE storage, the keystore daemon
// itself). Real deployments of this engine run inside the Android recovery
// environment and reach these services over HIDL/AIDL binder, which has no
// portable Go binding; this package exists so spunlock can be exercised
// end-to-end on a development machine, and is not a production transport.
package devhw

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spunwrap/engine/internal/config"
	"github.com/spunwrap/engine/pkg/spengine"
)

// KeystoreInfoResolver adapts the CLI's configured user list to
// spengine.KeystoreInfoResolver.
type KeystoreInfoResolver struct {
	byUID map[uint32]spengine.KeystoreInfo
}

// NewKeystoreInfoResolver builds a resolver from the loaded configuration.
func NewKeystoreInfoResolver(users []config.UserKeystoreInfo) *KeystoreInfoResolver {
	byUID := make(map[uint32]spengine.KeystoreInfo, len(users))
	for _, u := range users {
		byUID[u.UID] = spengine.KeystoreInfo{Handle: u.Handle, KeystoreAlias: u.KeystoreAlias}
	}
	return &KeystoreInfoResolver{byUID: byUID}
}

func (r *KeystoreInfoResolver) Resolve(uid uint32) (spengine.KeystoreInfo, error) {
	info, ok := r.byUID[uid]
	if !ok {
		return spengine.KeystoreInfo{}, fmt.Errorf("devhw: no keystore info configured for uid %d", uid)
	}
	return info, nil
}

// Daemon is a no-op stand-in for the real keystore daemon readiness probe:
// on a development machine there is no daemon to wait for.
type Daemon struct{}

func (Daemon) Ready(ctx context.Context) (bool, error) { return true, nil }

// Snapshotter copies the persistent keystore database directory into a
// sibling overlay directory before the default-password path runs, mirroring
// the copy-on-write prep the real daemon performs (spec §5).
type Snapshotter struct {
	SourceDir string
	OverlayDir string
}

func (s Snapshotter) Snapshot(ctx context.Context) error {
	if s.SourceDir == "" {
		return nil
	}
	slog.Debug("devhw: snapshotting persistent keystore db", "source", s.SourceDir, "overlay", s.OverlayDir)
	return filepath.Walk(s.SourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.SourceDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(s.OverlayDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, info.Mode())
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, b, info.Mode())
	})
}

// slotRecord is the on-disk shape of one local weaver slot.
type slotRecord struct {
	KeyHash [32]byte `json:"key_hash"`
	Payload []byte   `json:"payload"`
}

// WeaverClient simulates the weaver secure-element oracle with a directory
// of JSON slot records keyed by slot number.
type WeaverClient struct {
	Dir     string
	KeyLen  uint32
}

func (w *WeaverClient) KeySize() (uint32, error) { return w.KeyLen, nil }

func (w *WeaverClient) Verify(slot uint32, key []byte) (spengine.WeaverResult, error) {
	path := filepath.Join(w.Dir, fmt.Sprintf("slot-%d.json", slot))
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return spengine.WeaverResult{Outcome: spengine.WeaverError}, fmt.Errorf("devhw: unprovisioned weaver slot %d", slot)
		}
		return spengine.WeaverResult{}, err
	}
	var rec slotRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return spengine.WeaverResult{}, fmt.Errorf("devhw: corrupt weaver slot %d: %w", slot, err)
	}
	got := sha256.Sum256(key)
	if !hmac.Equal(got[:], rec.KeyHash[:]) {
		return spengine.WeaverResult{Outcome: spengine.WeaverIncorrect}, nil
	}
	return spengine.WeaverResult{Outcome: spengine.WeaverOK, Payload: rec.Payload}, nil
}

// gatekeeperRecord is the on-disk shape of one local gatekeeper handle.
type gatekeeperRecord struct {
	TokenHash [32]byte `json:"token_hash"`
}

// GatekeeperClient simulates the gatekeeper handle oracle. It stores no
// usable auth-token HMAC secret (that lives only inside the real secure
// element); the auth token it returns on success is well-formed but
// unsigned, which is sufficient for local exercise of the orchestrator's
// shape validation and forwarding logic.
type GatekeeperClient struct {
	Dir string
}

func (g *GatekeeperClient) Verify(userID uint32, handle []byte, gkPasswordToken []byte) (spengine.GatekeeperResult, error) {
	path := filepath.Join(g.Dir, fmt.Sprintf("%s.json", string(handle)))
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return spengine.GatekeeperResult{Outcome: spengine.GatekeeperError}, fmt.Errorf("devhw: unprovisioned gatekeeper handle %q", handle)
		}
		return spengine.GatekeeperResult{}, err
	}
	var rec gatekeeperRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return spengine.GatekeeperResult{}, fmt.Errorf("devhw: corrupt gatekeeper handle %q: %w", handle, err)
	}
	got := sha256.Sum256(gkPasswordToken)
	if !hmac.Equal(got[:], rec.TokenHash[:]) {
		return spengine.GatekeeperResult{Outcome: spengine.GatekeeperError}, nil
	}
	return spengine.GatekeeperResult{Outcome: spengine.GatekeeperOK, AuthToken: make([]byte, 69)}, nil
}

// KeystoreClient simulates the hardware-backed AES-256-GCM key service with
// a directory of raw 32-byte key files named by alias.
type KeystoreClient struct {
	Dir string
}

func (k *KeystoreClient) GetKey(alias string) (spengine.KeystoreGetKeyResult, error) {
	path := filepath.Join(k.Dir, alias+".key")
	key, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return spengine.KeystoreGetKeyResult{Outcome: spengine.KeystoreKeyNotFound}, nil
		}
		return spengine.KeystoreGetKeyResult{}, fmt.Errorf("devhw: keystore alias %q: %w", alias, err)
	}
	if len(key) != 32 {
		return spengine.KeystoreGetKeyResult{}, fmt.Errorf("devhw: keystore alias %q: expected 32-byte key, got %d", alias, len(key))
	}
	return spengine.KeystoreGetKeyResult{Outcome: spengine.KeystoreOK, Handle: key}, nil
}

func (k *KeystoreClient) Decrypt(keyHandle spengine.KeyHandle, iv [12]byte, ciphertextWithTag []byte) (spengine.KeystoreDecryptResult, error) {
	key, ok := keyHandle.([]byte)
	if !ok {
		return spengine.KeystoreDecryptResult{}, fmt.Errorf("devhw: unexpected key handle type %T", keyHandle)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return spengine.KeystoreDecryptResult{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return spengine.KeystoreDecryptResult{}, err
	}
	plaintext, err := gcm.Open(nil, iv[:], ciphertextWithTag, nil)
	if err != nil {
		return spengine.KeystoreDecryptResult{Outcome: spengine.KeystoreError}, nil
	}
	return spengine.KeystoreDecryptResult{Outcome: spengine.KeystoreOK, Plaintext: plaintext}, nil
}

// AuthorizationClient just logs the forwarded token; the local keystore
// simulation above does not enforce auth-token-gated decrypt.
type AuthorizationClient struct{}

func (AuthorizationClient) AddAuthToken(rawHALToken []byte) error {
	slog.Debug("devhw: authorization token forwarded", "bytes", len(rawHALToken))
	return nil
}

// CEStorageUnlocker shells out to vdc, the real Android vold control-plane
// CLI, when present on PATH; otherwise it logs the action and succeeds, so
// the pipeline can be exercised on a machine with no vold socket at all.
type CEStorageUnlocker struct{}

func (CEStorageUnlocker) UnlockCEStorage(ctx context.Context, uid uint32, fbeSecretHex string) error {
	return runVdcOrLog(ctx, "cryptfs", "unlock_user_key", fmt.Sprintf("%d", uid), "0", fbeSecretHex, "!")
}

func (CEStorageUnlocker) PrepareUserStorage(ctx context.Context, uid uint32, flags spengine.StorageFlags) error {
	return runVdcOrLog(ctx, "cryptfs", "prepare_user_storage", "", fmt.Sprintf("%d", uid), "0", fmt.Sprintf("%d", flags))
}

func runVdcOrLog(ctx context.Context, args ...string) error {
	if _, err := exec.LookPath("vdc"); err != nil {
		slog.Info("devhw: vdc not found, skipping real CE storage call", "command", args[:2])
		return nil
	}
	cmd := exec.CommandContext(ctx, "vdc", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("vdc %v: %w: %s", args, err, out)
	}
	return nil
}

// RandomKeyHex is a provisioning helper for local key files; unused by the
// engine itself.
func RandomKeyHex(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
