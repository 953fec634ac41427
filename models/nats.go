package models

// BridgeRequest is the body of request.hue.bridge.<action>.
type BridgeRequest struct {
	BridgeID  string `json:"bridge_id"`
	Heartrate int    `json:"heartrate,omitempty"`
}

// ResourceRequest is the body of request.hue.resource.<action>. Expose
// names the resource by bridge, type and id; unexpose may use the uuid.
type ResourceRequest struct {
	UUID     string `json:"uuid,omitempty"`
	BridgeID string `json:"bridge_id,omitempty"`
	Type     string `json:"type,omitempty"`
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
}

type NatsResponsePayload struct {
	Status  string `json:"status"`  // "success" or "error"
	Message string `json:"message"` // result or error text
	Data    any    `json:"data,omitempty"`
}
