package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-day key used for usage records.
const DateLayout = "2006-01-02"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to lowercase.
func (s *ApprovalStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := ApprovalStatus(strings.ToLower(raw))
	switch normalized {
	case ApprovalPending, ApprovalApproved, ApprovalDenied, ApprovalExpired:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid approval status: %s", raw)
	}
}

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// RestrictionRecord is the persisted, flat form of a restriction. Type
// selects which of the settings fields are meaningful; the rest are
// ignored when the record is read.
type RestrictionRecord struct {
	AppID string `json:"app_id" yaml:"app_id"`
	Type  string `json:"type" yaml:"type"`

	// timed
	DailyLimitMinutes   int `json:"daily_limit_minutes,omitempty" yaml:"daily_limit_minutes,omitempty"`
	SessionLimitMinutes int `json:"session_limit_minutes,omitempty" yaml:"session_limit_minutes,omitempty"`
	CooldownMinutes     int `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`

	// scheduled
	AllowedHours []HourWindow `json:"allowed_hours,omitempty" yaml:"allowed_hours,omitempty"`
	BlockedDays  []int        `json:"blocked_days,omitempty" yaml:"blocked_days,omitempty"` // 0=Sunday, 6=Saturday

	// limited
	LaunchLimit int `json:"launch_limit,omitempty" yaml:"launch_limit,omitempty"`

	GradualReduction *GradualReductionRecord `json:"gradual_reduction,omitempty" yaml:"gradual_reduction,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// HourWindow is a time-of-day window in "HH:MM" form.
type HourWindow struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// GradualReductionRecord configures weekly tightening of a daily limit.
type GradualReductionRecord struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	TargetMinutes    int       `json:"target_minutes" yaml:"target_minutes"`
	ReductionPerWeek int       `json:"reduction_per_week" yaml:"reduction_per_week"`
	LastReducedAt    time.Time `json:"last_reduced_at,omitempty" yaml:"-"`
}

// SessionEntry is one closed foreground session.
type SessionEntry struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// UsageRecord aggregates one app's usage for one calendar day.
type UsageRecord struct {
	AppID        string         `json:"app_id"`
	Date         string         `json:"date"`
	TotalSeconds int64          `json:"total_seconds"`
	Launches     int            `json:"launches"`
	Violations   int            `json:"violations"`
	Sessions     []SessionEntry `json:"sessions"`
}

// TotalMinutes returns the record's usage in whole and fractional minutes.
func (u *UsageRecord) TotalMinutes() float64 {
	return float64(u.TotalSeconds) / 60.0
}

// ApprovalRequest is a client's request to use a blocked app.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	AppID        string         `json:"app_id"`
	Reason       string         `json:"reason"`
	RequestedAt  time.Time      `json:"requested_at"`
	Status       ApprovalStatus `json:"status"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	GrantedUntil *time.Time     `json:"granted_until,omitempty"`
}

// Grant is a temporary allow window installed by an approval.
type Grant struct {
	AppID     string    `json:"app_id"`
	RequestID string    `json:"request_id"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Covers reports whether the grant is in force at t.
func (g *Grant) Covers(t time.Time) bool {
	return g != nil && !t.Before(g.GrantedAt) && t.Before(g.ExpiresAt)
}

// CrisisAuditEntry records one crisis override activation.
type CrisisAuditEntry struct {
	ID          string    `json:"id"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Minutes     int       `json:"minutes"`
	Source      string    `json:"source"`
}

// OutboxRecord is a queued supporter notification.
type OutboxRecord struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	RequestID     string     `json:"request_id,omitempty"`
	AppID         string     `json:"app_id"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}
