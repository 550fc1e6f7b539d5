package spengine

import (
	"fmt"
	"os"
	"path/filepath"
)

// spblobSubdir is the directory name under a user's system_de tree that
// holds the synthetic-password blob family (spec §4.8, §6).
const spblobSubdir = "spblob"

// Probe classifies the stored credential for a user without performing an
// unwrap, so the recovery UI can prompt accordingly (spec §4.8).
type Probe struct {
	systemDEBase string // e.g. /data/system_de
	systemBase   string // e.g. /data/system
}

// NewProbe returns a Probe rooted at the given system_de and system base
// directories.
func NewProbe(systemDEBase, systemBase string) *Probe {
	return &Probe{systemDEBase: systemDEBase, systemBase: systemBase}
}

// LegacyHandle, when non-empty, names the legacy gatekeeper key file that
// PasswordType fell back to reading.
type ProbeResult struct {
	Type         PasswordType
	LegacyHandle string
}

// PasswordType inspects /data/system_de/<uid>/spblob/: if the directory
// exists, it reads the first resolvable .pwd artifact and maps its
// password_type field to the engine's public enum. If the directory is
// absent, it falls back to the legacy gatekeeper.password.key /
// gatekeeper.pattern.key files under /data/system (root user) or
// /data/system/users/<uid> (spec §4.8).
func (p *Probe) PasswordType(uid uint32, handle string) (ProbeResult, error) {
	spblobDir := filepath.Join(p.systemDEBase, fmt.Sprintf("%d", uid), spblobSubdir)
	if info, err := os.Stat(spblobDir); err == nil && info.IsDir() {
		store := NewBlobStore(spblobDir)
		raw, err := store.Read(handle, suffixPassword)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("probe: read .pwd: %w", err)
		}
		pwd, err := parsePasswordData(raw)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("probe: parse .pwd: %w", err)
		}
		return ProbeResult{Type: pwd.PasswordType}, nil
	}

	return p.legacyPasswordType(uid)
}

// legacyPasswordType falls back to the pre-synthetic-password gatekeeper key
// files (spec §4.8).
func (p *Probe) legacyPasswordType(uid uint32) (ProbeResult, error) {
	dir := p.systemBase
	if uid != 0 {
		dir = filepath.Join(p.systemBase, "users", fmt.Sprintf("%d", uid))
	}

	passwordKey := filepath.Join(dir, "gatekeeper.password.key")
	if _, err := os.Stat(passwordKey); err == nil {
		return ProbeResult{Type: PasswordTypePassword, LegacyHandle: passwordKey}, nil
	}

	patternKey := filepath.Join(dir, "gatekeeper.pattern.key")
	if _, err := os.Stat(patternKey); err == nil {
		return ProbeResult{Type: PasswordTypePattern, LegacyHandle: patternKey}, nil
	}

	return ProbeResult{Type: PasswordTypeDefault}, nil
}
