package livestream

import (
	"encoding/json"
	"time"
)

// SourceKind identifies the ingest transport of the live source.
type SourceKind string

const (
	SourceNDI  SourceKind = "ndi"
	SourceRTMP SourceKind = "rtmp"
	SourceSRT  SourceKind = "srt"
)

// ProcessState is the lifecycle state of the transcoder process.
type ProcessState string

const (
	StateStopped  ProcessState = "stopped"
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateFailed   ProcessState = "failed"
)

// Active reports whether a process is, or is about to be, alive.
func (s ProcessState) Active() bool {
	return s == StateStarting || s == StateRunning
}

// SourceProfile holds the connection parameters a transcoder invocation needs
// for one ingest transport.
type SourceProfile struct {
	Kind   SourceKind        `json:"kind"`
	Params map[string]string `json:"params"`
}

// TransportSettings configures one secondary delivery transport (e.g. "srt").
type TransportSettings struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url,omitempty"`
	LatencyMs int    `json:"latencyMs,omitempty"`
}

// StreamingConfig is the single active streaming configuration.
type StreamingConfig struct {
	SourceKind SourceKind                   `json:"sourceKind"`
	SourceURL  string                       `json:"sourceURL"`
	Quality    string                       `json:"quality"`
	Transports map[string]TransportSettings `json:"transportSettings"`
}

// Clone returns a deep copy so callers never alias the stored maps.
func (c StreamingConfig) Clone() StreamingConfig {
	out := c
	out.Transports = make(map[string]TransportSettings, len(c.Transports))
	for k, v := range c.Transports {
		out.Transports[k] = v
	}
	return out
}

// ConfigPatch is a partial update. Nil fields are left untouched on merge.
type ConfigPatch struct {
	SourceKind *SourceKind                  `json:"sourceKind,omitempty"`
	SourceURL  *string                      `json:"sourceURL,omitempty"`
	Quality    *string                      `json:"quality,omitempty"`
	Transports map[string]TransportSettings `json:"transportSettings,omitempty"`
}

// ViewerConnection is one open viewer signaling channel.
type ViewerConnection struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

// StatsSample is one telemetry reading taken from a transcoder diagnostic line.
// It is only ever broadcast, never stored beyond the latest value.
type StatsSample struct {
	FPS         *int      `json:"fps,omitempty"`
	BitrateKbps *float64  `json:"bitrateKbps,omitempty"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// Endpoints are the delivery URLs announced with stream-started.
type Endpoints struct {
	HLS        string            `json:"hls"`
	Transports map[string]string `json:"transports,omitempty"`
}

// Status is the snapshot served by GET /status.
type Status struct {
	State     ProcessState `json:"state"`
	Viewers   int          `json:"viewers"`
	PID       int          `json:"pid,omitempty"`
	StartedAt *time.Time   `json:"startedAt,omitempty"`
	Spawns    int          `json:"spawns"`
	LastError string       `json:"lastError,omitempty"`
	LastStats *StatsSample `json:"lastStats,omitempty"`
	Endpoints *Endpoints   `json:"endpoints,omitempty"`
}

// Event types carried on the signaling channel.
const (
	EventServerReady   = "server-ready"
	EventStreamStarted = "stream-started"
	EventStreamEnded   = "stream-ended"
	EventStreamStats   = "stream-stats"
	EventConfigUpdated = "config-updated"
	EventViewerJoined  = "viewer-joined"
	EventViewerLeft    = "viewer-left"
	EventVendor        = "vendor-event"
	EventPong          = "pong"
)

// Event is the envelope written to every viewer connection.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data, At: time.Now().UTC()}
}

type serverReadyData struct {
	Streaming bool         `json:"streaming"`
	State     ProcessState `json:"state"`
}

type streamStartedData struct {
	Endpoints Endpoints `json:"endpoints"`
}

type streamEndedData struct {
	Reason string `json:"reason,omitempty"`
}

type streamStatsData struct {
	Sample StatsSample `json:"sample"`
}

type configUpdatedData struct {
	Config StreamingConfig `json:"config"`
}

type viewerData struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type vendorData struct {
	Payload json.RawMessage `json:"payload"`
}
