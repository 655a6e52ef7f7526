package api

import (
	"github.com/kmorwood/stevedore/internal/journal"
	"github.com/kmorwood/stevedore/internal/registry"
)

// StartRequest is the body for POST /plugin/start.
type StartRequest struct {
	Plugin string `json:"plugin"` // path to the plugin executable
}

// StartDirRequest is the body for POST /plugin/startdir.
type StartDirRequest struct {
	Directory string `json:"directory"`
}

// StopRequest is the body for POST /plugin/stop.
type StopRequest struct {
	Plugin string `json:"plugin"` // path or unique short name
}

// PluginListResponse is the aggregate plugin list every successful control
// operation returns.
type PluginListResponse struct {
	Plugins []registry.Status `json:"plugins"`
}

// StopResponse confirms a stop.
type StopResponse struct {
	Result string `json:"result"`
}

// JournalResponse is the body for GET /journal.
type JournalResponse struct {
	Entries []journal.Record `json:"entries"`
}

// HealthzResponse is the body for GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsKnown  int    `json:"plugins_known"`
	PluginsActive int    `json:"plugins_active"`
}

// ErrorResponse is the body for all error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
