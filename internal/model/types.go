package model

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is the durable identity record owned by the credential store.
// PasswordHash is never serialized into external representations.
type User struct {
	ID           string `json:"id"`
	PasswordHash string `json:"passwordHash,omitempty"`
	Role         Role   `json:"role"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	LastLogin    int64  `json:"lastLogin,omitempty"` // 0 means never
}

// Public returns a copy safe to hand to callers outside the store.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

// Session tracks one live transport connection. Purely in-memory;
// lifetime is bounded by the connection.
type Session struct {
	ID                  string
	Authenticated       bool
	Username            string
	Device              string
	RemoteAddr          string
	ConnectedAt         int64
	LastActivityAt      int64
	StreamingSubscribed bool
}

type CommandStatus string

const (
	CommandQueued     CommandStatus = "queued"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandError      CommandStatus = "error"
)

// Command is a unit of text work submitted by a session. Transitions are
// one-directional: queued -> processing -> completed|error.
type Command struct {
	ID          string
	SessionID   string
	Text        string
	SubmittedAt int64
	Status      CommandStatus
	Result      *CaptureRef
	Error       string
}

// CaptureRef describes one encoded frame. Data is held transiently and is
// never persisted.
type CaptureRef struct {
	Timestamp int64
	Width     int
	Height    int
	Quality   int
	ByteSize  int
	Data      []byte
}

// CaptureArea is the screen region handed to the capture primitive.
type CaptureArea struct {
	X      int `toml:"x" json:"x"`
	Y      int `toml:"y" json:"y"`
	Width  int `toml:"width" json:"width"`
	Height int `toml:"height" json:"height"`
}

// CaptureSettings controls the streaming loop and frame encoding.
type CaptureSettings struct {
	IntervalMs int `toml:"interval_ms" json:"intervalMs"`
	Quality    int `toml:"quality" json:"quality"`
	MaxFps     int `toml:"max_fps" json:"maxFps"`
}
