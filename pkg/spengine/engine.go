package spengine

import (
	"context"
	"fmt"
	"log/slog"
)

// EngineConfig wires the engine's public surface (spec §6 "Callee-facing").
type EngineConfig struct {
	Orchestrator   OrchestratorConfig
	SystemDEBase   string // e.g. /data/system_de
	SystemBase     string // e.g. /data/system
	KeystoreDaemon KeystoreDaemon
}

// Engine is the top-level, process-wide entry point: New creates the
// hardware-service dispatcher and Init waits for the keystore daemon once
// per process, then
// PasswordType and Unlock may be called any number of times, once per user
// per boot (spec §1, §6).
type Engine struct {
	cfg          EngineConfig
	dispatcher   *Dispatcher
	orchestrator *Orchestrator
	probe        *Probe
}

// New constructs an Engine without performing process-wide bootstrap; call
// Init before the first PasswordType or Unlock.
func New(cfg EngineConfig) (*Engine, error) {
	dispatcher := newDispatcher()
	cfg.Orchestrator.Dispatcher = dispatcher

	orchestrator, err := NewOrchestrator(cfg.Orchestrator)
	if err != nil {
		return nil, fmt.Errorf("spengine: %w", err)
	}

	return &Engine{
		cfg:          cfg,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		probe:        NewProbe(cfg.SystemDEBase, cfg.SystemBase),
	}, nil
}

// Init waits for the keystore daemon to become ready (spec §5, §6); the
// RPC dispatcher itself is already created by New. It is a one-time, process-wide bootstrap and
// must complete before PasswordType or Unlock is called.
func (e *Engine) Init(ctx context.Context) error {
	if e.cfg.KeystoreDaemon == nil {
		return fmt.Errorf("spengine: KeystoreDaemon is required for Init")
	}
	slog.Info("spengine: waiting for keystore daemon")
	if err := waitForKeystoreDaemon(ctx, e.cfg.KeystoreDaemon); err != nil {
		return err
	}
	slog.Info("spengine: keystore daemon ready")
	return nil
}

// Shutdown releases the process-wide resources Init acquired: the bounded
// RPC dispatcher stops admitting new hardware calls, and the keystore
// daemon connection is closed if the configured adapter holds one (spec §9
// "the engine exposes an init()/shutdown() pair and treats these as scoped
// resources with guaranteed release"). Shutdown is safe to call once,
// after which the Engine must not be used for PasswordType or Unlock.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.dispatcher.Close()
	if closer, ok := e.cfg.KeystoreDaemon.(KeystoreDaemonCloser); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("spengine: shutdown keystore daemon: %w", err)
		}
	}
	slog.Info("spengine: shutdown complete")
	return nil
}

// PasswordType classifies uid's stored credential so the recovery UI can
// prompt accordingly (spec §4.8, §6).
func (e *Engine) PasswordType(uid uint32) (ProbeResult, error) {
	info, err := e.cfg.Orchestrator.KeystoreInfo.Resolve(uid)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("spengine: resolve keystore info for uid %d: %w", uid, ErrIO)
	}
	return e.probe.PasswordType(uid, info.Handle)
}

// Unlock reconstructs uid's FBE secret from credential and unlocks its CE
// storage. credential == "!" means the user has no credential set
// (spec §6). The caller must serialize calls for the same uid; the engine
// performs no internal locking (spec §5).
func (e *Engine) Unlock(ctx context.Context, uid uint32, credential string) error {
	return e.orchestrator.Unwrap(ctx, uid, credential)
}
