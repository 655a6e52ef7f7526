// Package protocol defines the JSON envelopes exchanged with a plugin process
// over its stdin/stdout during the manifest handshake.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Version is the handshake protocol version the host speaks.
const Version = 1

// Request is the envelope written to a plugin's stdin after it is spawned.
type Request struct {
	Protocol   int       `json:"protocol"`
	ID         string    `json:"id"`
	Command    string    `json:"command"` // getmanifest
	DeadlineAt time.Time `json:"deadline_at"`
}

// Manifest is the reply a plugin writes to stdout to declare itself.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Dynamic     bool     `json:"dynamic"`
	Commands    []string `json:"commands,omitempty"`
}

// EncodeRequest writes req as a single JSON line.
func EncodeRequest(w io.Writer, req *Request) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("encode handshake request: %w", err)
	}
	return nil
}

// DecodeManifest reads one manifest object from r and validates it.
func DecodeManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest is missing a name")
	}
	return &m, nil
}
