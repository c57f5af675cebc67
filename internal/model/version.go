package model

// Version constants for persisted records and the engine.
const (
	// StateVersion is the persisted state record version.
	StateVersion = "1"

	// EngineVersion is the eventcore engine version.
	EngineVersion = "0.1.0"
)
