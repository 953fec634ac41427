package models

import "encoding/json"

type Shadow struct {
	DeviceUUID string `json:"device_uuid"`
	State      State  `json:"state"`
}

// State contains desired and reported states
type State struct {
	Delta map[string]any `json:"delta,omitempty"`
}

// ShadowReport is published on shadow.<uuid>.reported.
type ShadowReport struct {
	DeviceUUID string          `json:"device_uuid"`
	State      json.RawMessage `json:"state"`
}
