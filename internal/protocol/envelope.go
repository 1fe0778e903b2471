// Package protocol defines the JSON frames exchanged with the controller
// over the WebSocket link. One frame carries exactly one envelope; the
// `type` field (or its absence) discriminates the shape.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientName identifies this agent implementation in the hello frame.
const ClientName = "remote-browser-controller"

// UnknownID is echoed back when a command request carries no correlation id.
const UnknownID = "unknown"

// Hello is the first outbound frame after the socket opens.
type Hello struct {
	Type         string   `json:"type"` // always "hello"
	Client       string   `json:"client"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// NewHello builds a hello frame for the given display name and capability set.
func NewHello(name string, capabilities []string) Hello {
	return Hello{
		Type:         "hello",
		Client:       ClientName,
		Name:         name,
		Capabilities: capabilities,
	}
}

// CommandRequest is an inbound frame asking the agent to perform one action.
// Params stays raw until the executor knows which action it decodes for.
type CommandRequest struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CorrelationID returns the request id, or UnknownID when none was assigned.
func (r CommandRequest) CorrelationID() string {
	if r.ID == "" {
		return UnknownID
	}
	return r.ID
}

// CommandResponse is the outbound reply to a CommandRequest. Exactly one of
// Result and Error is set.
type CommandResponse struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResultResponse builds a successful response for the given correlation id.
func ResultResponse(id string, result any) CommandResponse {
	return CommandResponse{ID: id, Result: result}
}

// ErrorResponse builds a failed response for the given correlation id.
func ErrorResponse(id string, err error) CommandResponse {
	return CommandResponse{ID: id, Error: err.Error()}
}

// ActivityReport is an unsolicited outbound frame describing user activity
// observed in the controlled browser.
type ActivityReport struct {
	Type     string `json:"type"` // always "userActivity"
	Activity string `json:"activity"`
	Data     any    `json:"data,omitempty"`
}

// NewActivityReport builds an activity frame.
func NewActivityReport(activityType string, data any) ActivityReport {
	return ActivityReport{Type: "userActivity", Activity: activityType, Data: data}
}

// DecodeRequest parses an inbound frame as a CommandRequest.
// A frame that is not valid JSON is a parse error: the caller logs and drops
// it, since there is no correlation id to reply to.
func DecodeRequest(data []byte) (CommandRequest, error) {
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return CommandRequest{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return req, nil
}

// Encode marshals any outbound envelope to its wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}
