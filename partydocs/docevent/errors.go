package docevent

import "errors"

var (
	ErrEventRequired         = errors.New("document event is required")
	ErrEventIDRequired       = errors.New("document event id is required")
	ErrPartyIDRequired       = errors.New("party id is required")
	ErrDocumentRequired      = errors.New("document payload is required")
	ErrDocumentNotJSON       = errors.New("document payload must be valid JSON (stored as JSONB)")
	ErrDocumentTooLarge      = errors.New("document payload exceeds maximum allowed size")
	ErrRepositoryRequired    = errors.New("document event repository is required")
	ErrTransportRequired     = errors.New("delivery transport is required")
	ErrNotifierRequired      = errors.New("notifier is required")
	ErrSourceRequired        = errors.New("notification source is required")
	ErrDispatcherRequired    = errors.New("delivery dispatcher is required")
	ErrTenantIDRequired      = errors.New("tenant id is required")
	ErrStatusInvalid         = errors.New("invalid document event status")
	ErrTransitionInvalid     = errors.New("invalid document event status transition")
	ErrPumpRunning           = errors.New("notification pump is already running")
	ErrListenerRunning       = errors.New("change listener is already running")
	ErrMonitorRunning        = errors.New("unprocessed monitor is already running")
	ErrSweeperRunning        = errors.New("retention sweeper is already running")
	ErrNotificationMalformed = errors.New("malformed notification payload")
)
