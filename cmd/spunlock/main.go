package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/spunwrap/engine/internal/config"
	"github.com/spunwrap/engine/internal/devhw"
	"github.com/spunwrap/engine/pkg/spengine"
)

const configFileName = "config.yaml"

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	uid := flag.Uint("uid", 0, "Android user id to unlock")
	probe := flag.Bool("probe", false, "report the user's password type and exit without unlocking")
	useDefault := flag.Bool("default", false, "use the default-password derivation instead of prompting for a credential")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	configPath, err := defaultConfigPath()
	if err != nil {
		log.Fatalf("resolve config path failed: %v", err)
	}
	fmt.Printf("Using config: %s\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("build engine failed: %v", err)
	}

	ctx := context.Background()
	if err := engine.Init(ctx); err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	defer func() {
		if err := engine.Shutdown(ctx); err != nil {
			slog.Warn("engine shutdown failed", "error", err)
		}
	}()

	androidUID := uint32(*uid)

	if *probe {
		result, err := engine.PasswordType(androidUID)
		if err != nil {
			log.Fatalf("probe password type failed: %v", err)
		}
		fmt.Printf("uid %d: password type = %s\n", androidUID, result.Type)
		if result.LegacyHandle != "" {
			fmt.Printf("  (legacy key file: %s)\n", result.LegacyHandle)
		}
		return
	}

	credential := "!"
	if !*useDefault {
		credential, err = promptCredential()
		if err != nil {
			log.Fatalf("read credential failed: %v", err)
		}
	}

	fmt.Printf("Unwrapping synthetic password for uid %d...\n", androidUID)
	if err := engine.Unlock(ctx, androidUID, credential); err != nil {
		reportUnlockError(androidUID, err)
		os.Exit(1)
	}
	fmt.Println("CE storage unlocked.")
}

// buildEngine wires the engine with the local, filesystem-backed hardware
// stand-ins in internal/devhw. A real recovery-environment deployment
// replaces every field here with binder-backed adapters; see
// internal/devhw's package doc.
func buildEngine(cfg *config.Config) (*spengine.Engine, error) {
	return spengine.New(spengine.EngineConfig{
		SystemDEBase: cfg.Storage.SystemDEDir,
		SystemBase:   cfg.Storage.SystemDir,
		Orchestrator: spengine.OrchestratorConfig{
			KeystoreInfo: devhw.NewKeystoreInfoResolver(cfg.Users),
			BlobDir: func(uid uint32) string {
				return filepath.Join(cfg.Storage.SystemDEDir, fmt.Sprintf("%d", uid), "spblob")
			},
			Weaver:        &devhw.WeaverClient{Dir: filepath.Join(cfg.Storage.SystemDir, "weaver"), KeyLen: 64},
			Gatekeeper:    &devhw.GatekeeperClient{Dir: filepath.Join(cfg.Storage.SystemDir, "gatekeeper")},
			Keystore:      &devhw.KeystoreClient{Dir: filepath.Join(cfg.Storage.SystemDir, "keystore")},
			Authorization: devhw.AuthorizationClient{},
			CEStorage:     devhw.CEStorageUnlocker{},
			Snapshotter: devhw.Snapshotter{
				SourceDir:  filepath.Join(cfg.Storage.SystemDir, "keystore_db"),
				OverlayDir: filepath.Join(cfg.Storage.SystemDir, "keystore_db_overlay"),
			},
		},
		KeystoreDaemon: devhw.Daemon{},
	})
}

// promptCredential reads the user's PIN/pattern/password from the terminal
// without echoing it.
func promptCredential() (string, error) {
	fmt.Print("Credential: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return string(b), nil
}

func reportUnlockError(uid uint32, err error) {
	if trail := spengine.TrailOf(err); len(trail) > 0 {
		slog.Debug("unlock attempt trail", "uid", uid, "transitions", trail)
	}
	switch {
	case spengine.IsCredentialWrong(err):
		fmt.Printf("uid %d: credential rejected\n", uid)
	case spengine.IsKeyRotated(err):
		fmt.Printf("uid %d: keystore key no longer present; blob family is stale\n", uid)
	case spengine.IsBlobCorrupt(err):
		fmt.Printf("uid %d: on-disk synthetic-password artifact is malformed: %v\n", uid, err)
	case spengine.IsHardwareUnavailable(err):
		fmt.Printf("uid %d: hardware service unavailable: %v\n", uid, err)
	default:
		if delay, ok := spengine.AsRetryAfter(err); ok {
			fmt.Printf("uid %d: hardware service asked to retry after %s\n", uid, delay)
			return
		}
		fmt.Printf("uid %d: unlock failed: %v\n", uid, err)
	}
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
