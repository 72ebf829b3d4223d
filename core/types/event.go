package types

// Event is a structured record of a committed state change. Attributes hold
// hex- or decimal-encoded values keyed by short names; the set of types and
// attributes per type is fixed by the emitting package.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
