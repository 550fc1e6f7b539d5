/*
Package spengine implements the synthetic-password unwrap engine used by a
recovery environment to reconstruct an Android user's file-based-encryption
(FBE) key from a supplied credential and unlock that user's
Credential-Encrypted (CE) storage.

This package consolidates what would otherwise be duplicated across several
stages into one library:
  - on-disk blob resolution and wire-format parsing (blobstore.go, wireformat.go)
  - scrypt-based password token derivation (kdf.go)
  - SHA-512 personalization and an SP800-108 counter-mode variant (personalize.go)
  - weaver, gatekeeper and keystore/authorization client capabilities (weaver.go,
    gatekeeper.go, keystore.go)
  - the unwrap orchestrator that drives the full pipeline (orchestrator.go)
  - the password-type probe used to drive UI prompting (probe.go)
  - the per-user unlock state machine (statemachine.go)
  - process-wide bootstrap of the hardware-service call dispatcher (dispatcher.go)

# Derivation pipeline

	credential -> Scrypt KDF -> password token
	password token -> {weaver path | secdiscardable+gatekeeper path} -> application ID
	application ID -> keystore AES-256-GCM unwrap -> inner envelope
	inner envelope -> AES-256-GCM decrypt keyed by Personalize("application-id", ...) -> synthetic password
	synthetic password -> Personalize("fbe-key", ...) (v2) or SP800-108 KDF (v3) -> FBE secret

Every derived buffer is held in a [Secret], a non-copyable, zeroizing byte
container, and wiped before the call that produced it returns.

# Scope

This package is a read-only unwrap path. It does not enroll or change
credentials, derive metadata-encryption keys, manage weaver slot allocation,
or upgrade stale key-blobs. It is invoked once per boot per user.
*/
package spengine
