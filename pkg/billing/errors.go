package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when the webhook secret or API key is missing
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrEventInFlight is returned when another delivery of the same event holds the ledger claim
	ErrEventInFlight = errors.New("billing event is being processed by another delivery")
)
