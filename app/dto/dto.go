package dto

// APIResponse is the envelope every versioning endpoint returns. Data
// carries the operation payload (bump results, stats, metrics) on
// success; Error carries an ErrorDetail otherwise.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty" validate:"omitempty"`
	Error   any    `json:"error,omitempty" validate:"omitempty"`
}

// ErrorDetail carries the machine-readable error code (VERSION_UPSERT_FAILED,
// VALIDATION_LOCK_BUSY, ...) alongside optional field-level details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty" validate:"omitempty"`
}
