// Package bridge connects the engine to the platform observer over a unix
// socket carrying newline-delimited JSON messages.
package bridge

import (
	"errors"
	"time"

	"github.com/goodtune/secondchance/internal/coordinator"
	"github.com/goodtune/secondchance/internal/notify"
)

// Message types sent by the platform and tools
const (
	TypeHello               = "hello"
	TypeAppEvent            = "app_event"
	TypeCrisis              = "crisis"
	TypeApprovalDecision    = "approval_decision"
	TypeRestrictionsChanged = "restrictions_changed"
	TypePing                = "ping"
)

// Message types sent by the engine
const (
	TypeWelcome        = "welcome"
	TypeDecision       = "decision"
	TypeNavigateHome   = "navigate_home"
	TypeAccessRestored = "access_restored"
	TypeNotice         = "notice"
	TypeCrisisActive   = "crisis_active"
	TypeApprovalResult = "approval_result"
	TypeAck            = "ack"
	TypePong           = "pong"
	TypeError          = "error"
)

// Connection roles announced with hello. Only platform connections
// receive navigate_home, access_restored and notice broadcasts. A
// connection that sends app_event without a hello is a platform.
const (
	RolePlatform = "platform"
	RoleTool     = "tool"
)

// ErrNoClients is returned when there is no connected platform to deliver to
var ErrNoClients = errors.New("bridge: no connected platform")

// Message is one line on the wire. Fields are used according to Type.
type Message struct {
	Type string `json:"type"`
	// ID is echoed on the reply so the platform can correlate it.
	ID string `json:"id,omitempty"`

	// hello
	Role string `json:"role,omitempty"`

	// app_event, restrictions_changed (empty app_id means all)
	AppID     string                `json:"app_id,omitempty"`
	Kind      coordinator.EventKind `json:"kind,omitempty"`
	Timestamp *time.Time            `json:"timestamp,omitempty"`

	// crisis
	Minutes int `json:"minutes,omitempty"`

	// approval_decision
	RequestID    string `json:"request_id,omitempty"`
	Decision     string `json:"decision,omitempty"`
	GrantMinutes int    `json:"grant_minutes,omitempty"`

	// decision
	Action           string   `json:"action,omitempty"`
	Source           string   `json:"source,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	RemainingSeconds int64    `json:"remaining_seconds,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`

	// crisis_active, approval_result
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Status    string     `json:"status,omitempty"`

	Notice *notify.Notice `json:"notice,omitempty"`
	Error  string         `json:"error,omitempty"`
}
