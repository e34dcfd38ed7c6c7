// Author: webdunesurfer <vkh@gmx.at>
// Licensed under the GNU General Public License v3.0

package ipc

const DefaultAddr = "127.0.0.1:54321"

type Command string

const (
	CmdGetStatus  Command = "get_status"
	CmdGetStats   Command = "get_stats"
	CmdGetClients Command = "get_clients"
	CmdGetData    Command = "get_data"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Request struct {
	Command   Command `json:"command"`
	IPCSecret string  `json:"ipc_secret,omitempty"`
}

type Response struct {
	Status  string      `json:"status"` // "success" or "error"
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Stats struct {
	Clients         int    `json:"clients"`
	Elements        int    `json:"elements"`
	Updates         uint64 `json:"updates"`
	Deliveries      uint64 `json:"deliveries"`
	Failures        uint64 `json:"failures"`
	EventsPublished uint64 `json:"events_published"`
	DeadEvents      uint64 `json:"dead_events"`
	Uptime          int64  `json:"uptime_seconds"`
}

type Status struct {
	State         string `json:"state"` // "connecting", "connected", "closed"
	Transport     string `json:"transport"`
	ListenAddr    string `json:"listen_addr,omitempty"`
	Source        string `json:"source,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Provider answers control requests. The server assembly implements it.
type Provider interface {
	Status() Status
	Stats() Stats
	Clients() []string
	Data() []string
}
