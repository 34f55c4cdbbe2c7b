package escrow

// Signer produces signed EIP-3009 payment payloads from a private signing
// identity. The ledger's custodian is a Signer.
type Signer interface {
	// Address returns the hex address of the signing identity.
	Address() string

	// Network returns the CAIP-2 network identifier (e.g., "eip155:8453").
	Network() string

	// CanSign reports whether this signer supports the network and asset of requirements.
	CanSign(requirements *PaymentRequirements) bool

	// Sign creates a signed PaymentPayload authorizing a transfer of
	// requirements.Amount to requirements.PayTo, valid for MaxTimeoutSeconds.
	Sign(requirements *PaymentRequirements) (*PaymentPayload, error)
}
