package client

import "time"

// Component describes one running component as reported by GET /components.
type Component struct {
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Type       string    `json:"type"`
	Inputs     []string  `json:"inputs,omitempty"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
	Running    bool      `json:"running"`
}

// Topology is a snapshot of the running graph.
type Topology struct {
	Generation uint64      `json:"generation"`
	Components []Component `json:"components"`
}

// ComponentConfig is the id level view of a configured component.
type ComponentConfig struct {
	Type   string   `json:"type"`
	Inputs []string `json:"inputs,omitempty"`
}

// ConfigStatus is returned by GET /config.
type ConfigStatus struct {
	ConfigPaths    []string                   `json:"config_paths"`
	Generation     uint64                     `json:"generation"`
	ReloadSet      []string                   `json:"reload_set"`
	RequireHealthy bool                       `json:"require_healthy"`
	Sources        map[string]ComponentConfig `json:"sources"`
	Transforms     map[string]ComponentConfig `json:"transforms"`
	Sinks          map[string]ComponentConfig `json:"sinks"`
}

// ReloadComponentsRequest forces the named components to restart.
type ReloadComponentsRequest struct {
	Components []string `json:"components"`
}

// Accepted is the answer to requests that queue a signal.
type Accepted struct {
	Accepted string `json:"accepted"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
