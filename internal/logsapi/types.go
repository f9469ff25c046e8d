package logsapi

import (
	"bytes"
	"encoding/json"
)

// Log types to subscribe to
const (
	LogTypePlatform  = "platform"
	LogTypeFunction  = "function"
	LogTypeExtension = "extension"
)

// ProtocolHTTP is the only destination protocol this extension listens on
const ProtocolHTTP = "HTTP"

// SubscribeRequest is the request body for subscribing to the Logs API
type SubscribeRequest struct {
	Destination Destination `json:"destination"`
	Types       []string    `json:"types"`
}

// Destination configures where logs are sent
type Destination struct {
	Protocol string `json:"protocol"`
	URI      string `json:"URI"`
}

// NewSubscribeRequest returns the fixed subscription for a listener URI
func NewSubscribeRequest(listenerURI string) SubscribeRequest {
	return SubscribeRequest{
		Destination: Destination{
			Protocol: ProtocolHTTP,
			URI:      listenerURI,
		},
		Types: []string{LogTypePlatform, LogTypeFunction},
	}
}

// Encode renders the request in its canonical form:
//
//	{"destination": {"protocol": "HTTP", "URI": "..."}, "types": ["platform", "function"]}
//
// Key order and separators are fixed.
func (r SubscribeRequest) Encode() ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`{"destination": {"protocol": `)
	if err := writeString(&b, r.Destination.Protocol); err != nil {
		return nil, err
	}
	b.WriteString(`, "URI": `)
	if err := writeString(&b, r.Destination.URI); err != nil {
		return nil, err
	}
	b.WriteString(`}, "types": [`)
	for i, t := range r.Types {
		if i > 0 {
			b.WriteString(", ")
		}
		if err := writeString(&b, t); err != nil {
			return nil, err
		}
	}
	b.WriteString("]}")
	return b.Bytes(), nil
}

func writeString(b *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder appends a newline
	b.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}
