package billing

import "errors"

var (
	// ErrValidation marks a malformed notification. Nothing is stored.
	ErrValidation = errors.New("invalid webhook notification")
	// ErrInvalidSignature marks a notification whose signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrGatewayUnavailable means the payment could not be fetched. The event
	// stays unprocessed and is retried by redelivery or the sweeper.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrStorageConflict is a retriable write conflict (deadlock, lock wait
	// timeout, lost insert race).
	ErrStorageConflict = errors.New("storage conflict")
	// ErrAlreadyProcessed is returned when another worker finished the event first.
	ErrAlreadyProcessed = errors.New("webhook event already processed")

	ErrEventNotFound        = errors.New("webhook event not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrMissingBusiness      = errors.New("payment has no business reference")
	ErrInvalidPeriod        = errors.New("period end is before period start")
	ErrTrialUnavailable     = errors.New("trial is only available for new businesses")
)
