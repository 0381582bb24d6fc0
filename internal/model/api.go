package model

import "time"

// Role is the RBAC role carried by a credential.
type Role string

const (
	// RoleAdmin may invoke orchestrators and resolve conflicts.
	RoleAdmin Role = "admin"
	// RoleService is the internal self-invocation credential
	// (backfill continuation, watchdog resume).
	RoleService Role = "service"
	// RoleOperator may read status and conflicts but not mutate.
	RoleOperator Role = "operator"
)

// RoleAtLeast reports whether have grants the privileges of want.
// service ≥ admin ≥ operator.
func RoleAtLeast(have, want Role) bool {
	rank := map[Role]int{RoleOperator: 1, RoleAdmin: 2, RoleService: 3}
	return rank[have] >= rank[want]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleService, RoleOperator:
		return true
	}
	return false
}

// Error codes used in API error responses.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflictBusy = "already_running"
	ErrCodeInternal     = "internal_error"
)

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}
