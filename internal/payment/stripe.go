package payment

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"go.uber.org/zap"
)

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeGateway authorizes with manual-capture PaymentIntents.
type StripeGateway struct {
	intents intentAPI
	refunds refundAPI
	logger  *zap.Logger
}

func NewStripeGateway(secretKey string, logger *zap.Logger) *StripeGateway {
	sc := client.New(secretKey, nil)
	return newStripeGateway(sc.PaymentIntents, sc.Refunds, logger)
}

func newStripeGateway(intents intentAPI, refunds refundAPI, logger *zap.Logger) *StripeGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeGateway{intents: intents, refunds: refunds, logger: logger.Named("stripe")}
}

func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
		params.Confirm = stripe.Bool(true)
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, classify("authorize", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return nil, &DeclinedError{Code: string(pi.Status), Message: "authorization not granted"}
	default:
		// requires_action / processing: the hold is not usable for an
		// unattended checkout.
		return nil, &DeclinedError{Code: string(pi.Status), Message: "authorization requires customer action"}
	}

	return &Authorization{ID: pi.ID, Status: string(pi.Status), Amount: money.Money(pi.Amount)}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, authorizationID, idempotencyKey string) (*Capture, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := g.intents.Capture(authorizationID, params)
	if err != nil {
		var se *stripe.Error
		// Capturing an already-captured intent is reported as an
		// unexpected state; treat it as success after checking.
		if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			getParams := &stripe.PaymentIntentParams{}
			getParams.Context = ctx
			current, gerr := g.intents.Get(authorizationID, getParams)
			if gerr == nil && current.Status == stripe.PaymentIntentStatusSucceeded {
				return &Capture{ID: captureID(current), Amount: money.Money(current.AmountReceived)}, nil
			}
		}
		return nil, classify("capture", err)
	}
	return &Capture{ID: captureID(pi), Amount: money.Money(pi.AmountReceived)}, nil
}

func (g *StripeGateway) Void(ctx context.Context, authorizationID, idempotencyKey string) error {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := g.intents.Get(authorizationID, getParams)
	if err != nil {
		return classify("void", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return nil
	case stripe.PaymentIntentStatusSucceeded:
		params := &stripe.RefundParams{PaymentIntent: stripe.String(authorizationID)}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey + ":refund")
		if _, err := g.refunds.New(params); err != nil {
			return classify("refund", err)
		}
		g.logger.Info("captured payment refunded", zap.String("authorization_id", authorizationID))
		return nil
	default:
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey + ":void")
		if _, err := g.intents.Cancel(authorizationID, params); err != nil {
			return classify("void", err)
		}
		g.logger.Info("authorization voided", zap.String("authorization_id", authorizationID))
		return nil
	}
}

func captureID(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID
	}
	return pi.ID
}

// classify maps Stripe errors onto DeclinedError and TransientError.
// Anything that is neither is returned wrapped as is.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure before Stripe answered.
		return &TransientError{Op: op, Err: err}
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		code := string(se.DeclineCode)
		if code == "" {
			code = string(se.Code)
		}
		return &DeclinedError{Code: code, Message: se.Msg}
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return &TransientError{Op: op, Err: err}
	default:
		return err
	}
}
