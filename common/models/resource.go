package models

// ResourceDescriptor identifies one retrievable item announced on the
// resource stream. Descriptors are created by the broker and never mutated
// by the client.
type ResourceDescriptor struct {
	// Opaque job identifier, shared by all descriptors in one job
	Token string `json:"token" msgpack:"token"`

	// Opaque path/key of the leaf resource
	LeafResourceID string `json:"id" msgpack:"id"`

	// Where to fetch the resource bytes
	TransferURL string `json:"url" msgpack:"url"`

	// Optional metadata
	Type             string `json:"type,omitempty" msgpack:"type,omitempty"`
	SerialisedFormat string `json:"serialisedFormat,omitempty" msgpack:"serialisedFormat,omitempty"`

	// Open-ended broker-assigned properties
	Properties map[string]any `json:"properties,omitempty" msgpack:"properties,omitempty"`
}

// RegistrationResult is the broker's reply to a successful registration
type RegistrationResult struct {
	Token     string `json:"token" msgpack:"token"`
	StreamURL string `json:"streamUrl" msgpack:"streamUrl"`
}
