package http

import (
	"fmt"
	"net/http"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/http/internal/helpers"
)

// Client is an HTTP client that pays x402 challenges with its signer.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a paying HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{Transport: http.DefaultTransport},
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner sets the signer that pays challenges.
func WithSigner(signer escrow.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return escrow.ErrMisconfiguredSigner
		}
		getOrCreateTransport(c).Signer = signer
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType escrow.PaymentEventType, callback escrow.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case escrow.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case escrow.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case escrow.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}

		return nil
	}
}

// getOrCreateTransport gets the X402Transport or creates one if it doesn't exist.
func getOrCreateTransport(c *Client) *X402Transport {
	transport, ok := c.Transport.(*X402Transport)
	if !ok {
		transport = &X402Transport{Base: c.Transport}
		c.Transport = transport
	}
	return transport
}

// GetSettlement extracts settlement information from an HTTP response.
// Returns nil if no settlement header is present or if parsing fails.
func GetSettlement(resp *http.Response) *escrow.SettleResponse {
	return helpers.ParseSettlement(resp.Header.Get(HeaderPaymentResponse))
}
