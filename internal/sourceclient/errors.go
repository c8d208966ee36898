package sourceclient

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError reports that the vendor asked us to back off. 429s carry
// the server's Retry-After; 5xx and transient timeouts are folded into the
// same shape with a fixed 10s delay so one retry wrapper handles all three.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InvalidSyncTokenError means the stored sync token expired. Some vendors
// return a fresh token in the error body; callers must persist it before
// falling back to a search window.
type InvalidSyncTokenError struct {
	FreshToken string
}

func (e *InvalidSyncTokenError) Error() string {
	return "sync token invalid or expired"
}

// PaymentRequiredError (402): the tenant's vendor plan does not cover this
// scope. The scope is skipped and marked complete.
type PaymentRequiredError struct {
	Scope string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required for scope %s", e.Scope)
}

// ServiceAccountOnlyError: the endpoint needs service-account auth and the
// tenant only has OAuth. Callers step down to a narrower scope.
type ServiceAccountOnlyError struct{}

func (e *ServiceAccountOnlyError) Error() string {
	return "endpoint requires service account authentication"
}

// NotFoundError covers 404 and 403 on single-entity fetches. Best-effort
// refresh paths drop the entity and move on.
type NotFoundError struct {
	StatusCode int
	EntityID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found (status %d)", e.EntityID, e.StatusCode)
}

// HTTPError is any other non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
