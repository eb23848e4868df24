package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ec-checkout/internal/domain/money"
)

// AuthorizeRequest asks the gateway to hold funds without capturing them.
type AuthorizeRequest struct {
	Amount          money.Money
	Currency        string
	IdempotencyKey  string
	PaymentMethodID string
	CustomerRef     string
	Metadata        map[string]string
}

type Authorization struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Amount money.Money `json:"amount"`
}

type Capture struct {
	ID     string      `json:"id"`
	Amount money.Money `json:"amount"`
}

// Gateway is the opaque payment capability. Every call carries an
// idempotency key so retries never double-charge.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)
	Capture(ctx context.Context, authorizationID, idempotencyKey string) (*Capture, error)
	// Void releases an authorization, refunding it if it was already
	// captured.
	Void(ctx context.Context, authorizationID, idempotencyKey string) error
}

// DeclinedError is a definitive rejection. It is never retried.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	if e.Code == "" {
		return "payment declined: " + e.Message
	}
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// TransientError is a network, timeout or availability failure that may
// succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("payment %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsDeclined(err error) bool {
	var de *DeclinedError
	return errors.As(err, &de)
}
