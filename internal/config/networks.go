package config

import (
	"os"
	"sort"
)

// Network describes a chain the dApp can be pointed at
type Network struct {
	Key         string `json:"network"`
	Name        string `json:"name"`
	ChainID     uint64 `json:"chainId"`
	RPCURL      string `json:"-"`
	ExplorerURL string `json:"explorerUrl"`
	IsTestnet   bool   `json:"isTestnet"`
}

// Networks returns the supported networks keyed by name. Infura URLs pick up
// INFURA_PROJECT_ID from the environment.
func Networks() map[string]Network {
	infura := os.Getenv("INFURA_PROJECT_ID")
	return map[string]Network{
		"sepolia": {
			Key:         "sepolia",
			Name:        "Sepolia Test Network",
			ChainID:     11155111,
			RPCURL:      "https://sepolia.infura.io/v3/" + infura,
			ExplorerURL: "https://sepolia.etherscan.io",
			IsTestnet:   true,
		},
		"goerli": {
			Key:         "goerli",
			Name:        "Goerli Test Network",
			ChainID:     5,
			RPCURL:      "https://goerli.infura.io/v3/" + infura,
			ExplorerURL: "https://goerli.etherscan.io",
			IsTestnet:   true,
		},
		"mainnet": {
			Key:         "mainnet",
			Name:        "Ethereum Mainnet",
			ChainID:     1,
			RPCURL:      "https://mainnet.infura.io/v3/" + infura,
			ExplorerURL: "https://etherscan.io",
			IsTestnet:   false,
		},
		"local": {
			Key:         "local",
			Name:        "Local Development Chain",
			ChainID:     1337,
			RPCURL:      "http://localhost:8545",
			ExplorerURL: "",
			IsTestnet:   true,
		},
	}
}

// LookupNetwork finds a network by key.
func LookupNetwork(key string) (Network, bool) {
	n, ok := Networks()[key]
	return n, ok
}

// NetworkByChainID finds a network by chain id.
func NetworkByChainID(chainID uint64) (Network, bool) {
	for _, n := range Networks() {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}

// SortedNetworks lists networks ordered by key.
func SortedNetworks() []Network {
	all := Networks()
	out := make([]Network, 0, len(all))
	for _, n := range all {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
