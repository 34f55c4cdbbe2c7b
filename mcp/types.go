// Package mcp provides x402 payment integration for MCP (Model Context Protocol).
package mcp

import (
	escrow "github.com/nacorid/x402-escrow"
)

// Keys of the x402 entries in an MCP request or result _meta object.
const (
	// MetaPaymentID carries the caller's payment id on tools/call.
	MetaPaymentID = "x402/payment-id"

	// MetaPayment carries a signed PaymentPayload on tools/call.
	MetaPayment = "x402/payment"

	// MetaPaymentResponse carries the SettleResponse in a paid tool's result.
	MetaPaymentResponse = "x402/payment-response"
)

// PaymentRequired is the data of a 402 JSON-RPC error: the same challenge an
// HTTP client receives, with a fresh payment id in accepts[0].extra.
type PaymentRequired = escrow.PaymentRequired
