package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Call status
type CallStatus string

const (
	CallStatusPending   CallStatus = "PENDING"
	CallStatusDialing   CallStatus = "DIALING"
	CallStatusRinging   CallStatus = "RINGING"
	CallStatusAnswered  CallStatus = "ANSWERED"
	CallStatusBusy      CallStatus = "BUSY"
	CallStatusNoAnswer  CallStatus = "NO_ANSWER"
	CallStatusFailed    CallStatus = "FAILED"
	CallStatusCompleted CallStatus = "COMPLETED"
)

// JSON field for database storage
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Call is one outbound dialling attempt
type Call struct {
	ID               int64      `json:"id" db:"id"`
	CallID           string     `json:"call_id" db:"call_id"`
	PhoneNumber      string     `json:"phone_number" db:"phone_number"`
	CallerID         string     `json:"caller_id" db:"caller_id"`
	Status           CallStatus `json:"status" db:"status"`
	Context          string     `json:"context" db:"context"`
	Extension        string     `json:"extension" db:"extension"`
	Priority         int        `json:"priority" db:"priority"`
	Timeout          int        `json:"timeout" db:"timeout"`
	Channel          string     `json:"channel,omitempty" db:"channel"`
	UniqueID         string     `json:"unique_id,omitempty" db:"unique_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	DialedAt         *time.Time `json:"dialed_at,omitempty" db:"dialed_at"`
	AnsweredAt       *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	Duration         *int       `json:"duration,omitempty" db:"duration"`
	BillableDuration *int       `json:"billable_duration,omitempty" db:"billable_duration"`
	FailureReason    string     `json:"failure_reason,omitempty" db:"failure_reason"`
	AttemptNumber    int        `json:"attempt_number" db:"attempt_number"`
	MaxAttempts      int        `json:"max_attempts" db:"max_attempts"`
	Metadata         JSON       `json:"metadata,omitempty" db:"call_metadata"`
	Version          int64      `json:"version" db:"version"`
}

// IsActive returns true while the call has not reached a terminal state
func (c *Call) IsActive() bool {
	return !IsTerminalState(c.Status)
}

// User represents an API operator account
type User struct {
	ID             int64      `json:"id" db:"id"`
	Username       string     `json:"username" db:"username"`
	Email          string     `json:"email,omitempty" db:"email"`
	FullName       string     `json:"full_name,omitempty" db:"full_name"`
	HashedPassword string     `json:"-" db:"hashed_password"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	IsSuperuser    bool       `json:"is_superuser" db:"is_superuser"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// CallRequest carries optional routing overrides for an origination
type CallRequest struct {
	Context   string            `json:"context,omitempty"`
	Extension string            `json:"extension,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	Timeout   int               `json:"timeout,omitempty"`
	CallerID  string            `json:"caller_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// CallCreate is the RESTful payload for POST /calls
type CallCreate struct {
	CallRequest
	PhoneNumber string `json:"phone_number"`
}

// CallResponse is the origination result returned to the client
type CallResponse struct {
	Success     bool      `json:"success"`
	CallID      string    `json:"call_id"`
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	Channel     string    `json:"channel,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Error       string    `json:"error,omitempty"`
}

// CallStatusResponse is the read view of a call record
type CallStatusResponse struct {
	CallID        string     `json:"call_id"`
	PhoneNumber   string     `json:"phone_number"`
	Status        string     `json:"status"`
	Channel       string     `json:"channel,omitempty"`
	Context       string     `json:"context"`
	Extension     string     `json:"extension"`
	CallerID      string     `json:"caller_id"`
	CreatedAt     time.Time  `json:"created_at"`
	DialedAt      *time.Time `json:"dialed_at,omitempty"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Duration      *int       `json:"duration,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	AttemptNumber int        `json:"attempt_number"`
	IsActive      bool       `json:"is_active"`
}

// StatusView builds the read view from a call record
func (c *Call) StatusView() *CallStatusResponse {
	return &CallStatusResponse{
		CallID:        c.CallID,
		PhoneNumber:   c.PhoneNumber,
		Status:        string(c.Status),
		Channel:       c.Channel,
		Context:       c.Context,
		Extension:     c.Extension,
		CallerID:      c.CallerID,
		CreatedAt:     c.CreatedAt,
		DialedAt:      c.DialedAt,
		AnsweredAt:    c.AnsweredAt,
		EndedAt:       c.EndedAt,
		Duration:      c.Duration,
		FailureReason: c.FailureReason,
		AttemptNumber: c.AttemptNumber,
		IsActive:      c.IsActive(),
	}
}

// TokenPair is the response of the token and refresh endpoints
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}
