package handler

import "time"

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Queue     string    `json:"queue"`
	LockMode  string    `json:"lock_mode"`
}

// ScanRequest narrows a manual scan. Dates are RFC 3339; both set means a
// range backfill onto the low lane.
type ScanRequest struct {
	Since  string `json:"since"`
	Before string `json:"before"`
	Limit  int    `json:"limit"`
}

// ScanResponse reports how many jobs a scan queued.
type ScanResponse struct {
	AccountID uint `json:"account_id"`
	Queued    int  `json:"queued"`
}

// QuotaResponse is the tenant quota projection.
type QuotaResponse struct {
	TenantID string `json:"tenant_id"`
	Period   string `json:"period"`
	Used     int    `json:"used"`
	Limit    int    `json:"limit"`
}

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
