package ir

// Version constants for the entry format and the substrate.
const (
	// FormatVersion is the wire/hash format version (see DomainEntry).
	FormatVersion = "1"

	// SubstrateVersion is the causalog version.
	SubstrateVersion = "0.1.0"
)
