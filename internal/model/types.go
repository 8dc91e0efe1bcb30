package model

import "time"

type PublicationStatus string

const (
	PublicationIdle       PublicationStatus = "idle"
	PublicationStarting   PublicationStatus = "starting"
	PublicationPublishing PublicationStatus = "publishing"
	PublicationStopped    PublicationStatus = "stopped"
	PublicationError      PublicationStatus = "error"
)

type TerminationReason string

const (
	TerminationUserStopped TerminationReason = "user_stopped"
	TerminationError       TerminationReason = "error"
	TerminationShutdown    TerminationReason = "shutdown"
	TerminationOrphaned    TerminationReason = "orphaned"
)

type ServerKind string

const (
	ServerLocal  ServerKind = "local"
	ServerRemote ServerKind = "remote"
)

// Publication is one run of relaying a camera's stream to a relay server.
// At most one publication row per camera has IsActive set.
type Publication struct {
	ID          string
	CameraID    string
	ServerID    int64
	SessionID   string
	Status      PublicationStatus
	IsActive    bool
	CommandLine string
	PID         *int
	PublishPath string

	// Remote linkage, empty for local servers.
	RemoteCameraID string
	PublishURL     string
	WebRTCURL      string
	PublishToken   string

	StartTime     time.Time
	StopTime      *time.Time
	ErrorCount    int
	LastError     string
	LastErrorTime *time.Time
}

// PublicationHistory summarizes a finished run. Immutable once written.
type PublicationHistory struct {
	ID                string
	PublicationID     string
	CameraID          string
	ServerID          int64
	SessionID         string
	StartTime         time.Time
	StopTime          time.Time
	DurationSeconds   int
	TerminationReason TerminationReason
	ErrorCount        int
	LastError         string
	AvgFPS            float64
	AvgBitrateKbps    float64
	TotalFrames       int64
	DroppedFrames     int64
}

// MetricSample is one parsed progress report from the relay subprocess. The
// json tags shape the websocket event payload.
type MetricSample struct {
	Timestamp     time.Time `json:"observed_at"`
	FPS           float64   `json:"fps"`
	BitrateKbps   float64   `json:"bitrate_kbps"`
	Frames        int64     `json:"frames"`
	DroppedFrames int64     `json:"dropped_frames"`
	Speed         float64   `json:"speed"`
	ViewerCount   int       `json:"viewer_count"`
}

type Camera struct {
	ID        string
	Name      string
	StreamURL string
	Username  string
	Password  string
	Transport string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RelayServer struct {
	ID         int64
	Name       string
	Kind       ServerKind
	Host       string
	RTSPPort   int
	PathPrefix string

	// Control API, remote servers only.
	APIURL   string
	Username string
	Password string

	// Zero means use the configured default.
	MaxReconnects         int
	ReconnectDelaySeconds int
}

// AuthToken is a cached bearer token for one remote relay server. The
// relay auth API has no refresh endpoint; expiry means a fresh login.
type AuthToken struct {
	ServerID  int64
	Token     string
	ExpiresAt time.Time
}

func (t AuthToken) Valid(now time.Time) bool {
	return t.Token != "" && now.Before(t.ExpiresAt)
}
