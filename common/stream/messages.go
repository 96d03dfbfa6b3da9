package stream

import "github.com/clearline/retriever/common/models"

// Wire message types exchanged on the duplex channel
const (
	msgTypeCTS      = "CTS"
	msgTypeResource = "RESOURCE"
	msgTypeError    = "ERROR"
	msgTypeComplete = "COMPLETE"
)

// wireMessage is the JSON envelope for both directions of the channel.
// Outbound the client only ever sends {"type":"CTS"}. Inbound RESOURCE
// messages carry the descriptor fields flat; the optional resource-kind
// metadata uses the resourceType key to keep it distinct from the envelope
// type tag.
type wireMessage struct {
	Type string `json:"type"`

	// RESOURCE fields
	ID               string `json:"id,omitempty"`
	Token            string `json:"token,omitempty"`
	URL              string `json:"url,omitempty"`
	SerialisedFormat string `json:"serialisedFormat,omitempty"`
	ResourceType     string `json:"resourceType,omitempty"`

	// ERROR fields
	Text string `json:"text,omitempty"`

	Properties map[string]any `json:"properties,omitempty"`
}

func (m *wireMessage) descriptor() *models.ResourceDescriptor {
	return &models.ResourceDescriptor{
		Token:            m.Token,
		LeafResourceID:   m.ID,
		TransferURL:      m.URL,
		Type:             m.ResourceType,
		SerialisedFormat: m.SerialisedFormat,
		Properties:       m.Properties,
	}
}

// PollKind discriminates the result of a Poll call
type PollKind int

const (
	// PollResource carries the next resource descriptor
	PollResource PollKind = iota
	// PollError carries a broker-announced error; enumeration continues
	PollError
	// PollComplete marks the end of the stream
	PollComplete
	// PollTimeout means no message arrived within the poll timeout
	PollTimeout
)

// Item is one consumer-visible event from the resource stream
type Item struct {
	Kind       PollKind
	Resource   *models.ResourceDescriptor
	ErrText    string
	Properties map[string]any
}
