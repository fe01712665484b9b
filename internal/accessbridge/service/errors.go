package service

import "errors"

var (
	ErrInvalidBranchID = errors.New("branch_id is required")
	ErrUnknownBranch   = errors.New("unknown branch")

	// ErrVendorNotConfigured is returned by IngestFetch when no vendor API
	// endpoint is configured.
	ErrVendorNotConfigured = errors.New("vendor api not configured")

	// ErrIncompleteBatch marks a processing run that left events unprocessed
	// after a failure. Those events are retried by a later run.
	ErrIncompleteBatch = errors.New("processing run left failed events")
)
