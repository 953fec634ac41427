package models

import (
	"time"

	"github.com/google/uuid"
)

// BridgeRecord is the persisted form of a bridge connection.
type BridgeRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	Username     string    `json:"-"`
	Enabled      bool      `json:"enabled"`
	Heartrate    int       `json:"heartrate"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResourceRecord is a bridge resource exposed as a shadow device.
type ResourceRecord struct {
	UUID       uuid.UUID `json:"uuid"`
	BridgeID   string    `json:"bridge_id"`
	Kind       string    `json:"type"`
	ResourceID string    `json:"id"`
	Name       string    `json:"name,omitempty"`
}

// BridgeStatus is published whenever a bridge changes or is polled.
type BridgeStatus struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Manufacturer string    `json:"manufacturer"`
	Model        string    `json:"model"`
	APIVersion   string    `json:"apiversion"`
	Paired       bool      `json:"paired"`
	Enabled      bool      `json:"enabled"`
	Heartrate    int       `json:"heartrate"`
	LastUpdated  time.Time `json:"last_updated,omitempty"`
}
