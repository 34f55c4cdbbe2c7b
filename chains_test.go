package escrow

import (
	"strings"
	"testing"
)

func TestChainConfigUSDCAddresses(t *testing.T) {
	tests := []struct {
		name   string
		config ChainConfig
	}{
		{"Base Mainnet", BaseMainnet},
		{"Polygon Mainnet", PolygonMainnet},
		{"Avalanche Mainnet", AvalancheMainnet},
		{"Ethereum Mainnet", EthereumMainnet},
		{"Base Sepolia", BaseSepolia},
		{"Polygon Amoy", PolygonAmoy},
		{"Avalanche Fuji", AvalancheFuji},
		{"Sepolia", Sepolia},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasPrefix(tt.config.USDCAddress, "0x") || len(tt.config.USDCAddress) != 42 {
				t.Errorf("USDCAddress = %s; want 0x-prefixed 20-byte address", tt.config.USDCAddress)
			}
			if tt.config.Decimals != 6 {
				t.Errorf("Decimals = %d; want 6", tt.config.Decimals)
			}
			if tt.config.EIP3009Name == "" || tt.config.EIP3009Version == "" {
				t.Error("EIP-3009 domain parameters must be set")
			}
			if err := ValidateNetwork(tt.config.Network); err != nil {
				t.Errorf("ValidateNetwork(%s) error = %v", tt.config.Network, err)
			}
		})
	}
}

func TestGetChainID(t *testing.T) {
	tests := []struct {
		name        string
		network     string
		want        int64
		errContains string
	}{
		{name: "base", network: NetworkBase, want: 8453},
		{name: "sepolia", network: NetworkSepolia, want: 11155111},
		{name: "empty", network: "", errContains: "cannot be empty"},
		{name: "no colon", network: "eip1558453", errContains: "invalid CAIP-2 format"},
		{name: "missing reference", network: "eip155:", errContains: "invalid CAIP-2 format"},
		{name: "non evm", network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp", errContains: "not an EVM network"},
		{name: "non numeric", network: "eip155:abc", errContains: "invalid chain ID"},
		{name: "zero", network: "eip155:0", errContains: "invalid chain ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetChainID(tt.network)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("GetChainID() error = %v, want error containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetChainID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GetChainID() = %d; want %d", got, tt.want)
			}
		})
	}
}

func TestChainIDBig(t *testing.T) {
	id, err := ChainIDBig(NetworkBaseSepolia)
	if err != nil {
		t.Fatalf("ChainIDBig() error = %v", err)
	}
	if id.Int64() != 84532 {
		t.Errorf("ChainIDBig() = %s; want 84532", id)
	}
}

func TestGetChainConfig(t *testing.T) {
	config, err := GetChainConfig(NetworkBase)
	if err != nil {
		t.Fatalf("GetChainConfig() error = %v", err)
	}
	if config.USDCAddress != BaseMainnet.USDCAddress {
		t.Errorf("USDCAddress = %s; want %s", config.USDCAddress, BaseMainnet.USDCAddress)
	}

	if _, err := GetChainConfig("eip155:999999"); err == nil {
		t.Error("GetChainConfig() on unknown network should fail")
	}
}

func TestLookupToken(t *testing.T) {
	token, ok := LookupToken(NetworkBaseSepolia, strings.ToLower(BaseSepolia.USDCAddress))
	if !ok {
		t.Fatal("LookupToken() should match case-insensitively")
	}
	if token.Name != "USDC" || token.Version != "2" || token.Decimals != 6 {
		t.Errorf("token = %+v", token)
	}

	if _, ok := LookupToken(NetworkBaseSepolia, BaseMainnet.USDCAddress); ok {
		t.Error("LookupToken() matched an asset from another chain")
	}
}
