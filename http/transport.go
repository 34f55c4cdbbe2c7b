package http

import (
	"net/http"
	"time"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/http/internal/helpers"
)

// X402Transport is a RoundTripper that answers 402 challenges. It signs the
// first requirement its Signer supports and retries once with the
// challenge's payment id in X-PAYMENT-ID and the signed payment in X-PAYMENT.
//
// Later requests may present the same payment id alone; the gate honours it
// once the payment has settled.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signer pays challenges.
	Signer escrow.Signer

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt escrow.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess escrow.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure escrow.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired || t.Signer == nil {
		return resp, nil
	}

	challenge, err := helpers.ParsePaymentRequired(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	requirement := t.selectRequirement(challenge.Accepts)
	if requirement == nil {
		return nil, escrow.NewPaymentError(escrow.ErrCodeUnsupportedScheme, "no requirement matches the signer", escrow.ErrUnsupportedScheme)
	}

	startTime := time.Now()
	event := escrow.PaymentEvent{
		Method:    escrow.MethodHTTP,
		URL:       req.URL.String(),
		PaymentID: requirement.PaymentID(),
		Network:   requirement.Network,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
	}
	t.notify(t.OnPaymentAttempt, event, escrow.PaymentEventAttempt, startTime)

	payment, err := t.Signer.Sign(requirement)
	if err == nil {
		var header string
		header, err = helpers.BuildPaymentHeader(payment)
		if err == nil {
			retry, rerr := rewind(req)
			if rerr != nil {
				err = rerr
			} else {
				retry.Header.Set(HeaderPaymentID, requirement.PaymentID())
				retry.Header.Set(HeaderPayment, header)
				resp, err = base.RoundTrip(retry)
			}
		}
	}
	event.Duration = time.Since(startTime)
	if err != nil {
		event.Error = err
		t.notify(t.OnPaymentFailure, event, escrow.PaymentEventFailure, time.Now())
		return nil, err
	}

	if settlement := helpers.ParseSettlement(resp.Header.Get(HeaderPaymentResponse)); settlement != nil && settlement.Success {
		event.Transaction, event.Payer = settlement.Transaction, settlement.Payer
		t.notify(t.OnPaymentSuccess, event, escrow.PaymentEventSuccess, time.Now())
	}
	return resp, nil
}

func (t *X402Transport) selectRequirement(accepts []escrow.PaymentRequirements) *escrow.PaymentRequirements {
	for i := range accepts {
		if t.Signer.CanSign(&accepts[i]) {
			return &accepts[i]
		}
	}
	return nil
}

func (t *X402Transport) notify(cb escrow.PaymentCallback, e escrow.PaymentEvent, typ escrow.PaymentEventType, at time.Time) {
	if cb == nil {
		return
	}
	e.Type, e.Timestamp = typ, at
	cb(e)
}

// rewind clones req for a second attempt, reopening its body when possible.
func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return retry, nil
}
