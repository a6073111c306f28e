package ir

// Version constants for the record schema and engine.
const (
	// SchemaVersion is the history record schema version.
	SchemaVersion = "1"

	// EngineVersion is the telecommand engine version.
	EngineVersion = "0.3.0"
)
