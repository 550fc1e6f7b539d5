package spengine

// WeaverOutcome classifies the result of a weaver verify call (spec §4.4).
type WeaverOutcome int

const (
	WeaverOK WeaverOutcome = iota
	WeaverRetry
	WeaverIncorrect
	WeaverError
)

// WeaverResult is the outcome of WeaverClient.Verify.
type WeaverResult struct {
	Outcome   WeaverOutcome
	Payload   []byte        // valid only when Outcome == WeaverOK
	TimeoutMs uint32        // valid only when Outcome == WeaverRetry
}

// WeaverClient is the capability for the secure-element-backed weaver slot
// oracle (spec §4.4, §6). Exactly one transport adapter is supplied for this
// capability through OrchestratorConfig when the Engine is constructed
// (spec §9); the orchestrator holds only this interface, never a transport
// handle.
type WeaverClient interface {
	// KeySize returns the fixed weaver key size in bytes, checked against
	// the derived weaver_key length before Verify is called.
	KeySize() (uint32, error)
	// Verify presents (slot, key) to the weaver and returns its escrowed
	// payload on success.
	Verify(slot uint32, key []byte) (WeaverResult, error)
}
