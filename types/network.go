package types

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM     ChainFamily = "evm"
	ChainSolana  ChainFamily = "solana"
	ChainUnknown ChainFamily = "unknown"
)

// CAIP-2 identifiers of the networks the bundled configuration knows about.
const (
	NetworkBase        = "eip155:8453"
	NetworkBaseSepolia = "eip155:84532"
	NetworkEthereum    = "eip155:1"
	NetworkSepolia     = "eip155:11155111"
	NetworkPolygon     = "eip155:137"
	NetworkPolygonAmoy = "eip155:80002"
)

var caip2Regex = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-_a-zA-Z0-9]{1,32}$`)

// Network is a parsed CAIP-2 chain identifier.
type Network struct {
	Namespace string
	Reference string
}

// ParseNetwork parses "<namespace>:<reference>".
func ParseNetwork(s string) (Network, error) {
	if !caip2Regex.MatchString(s) {
		return Network{}, fmt.Errorf("invalid CAIP-2 network %q (expected namespace:reference)", s)
	}
	ns, ref, _ := strings.Cut(s, ":")
	return Network{Namespace: ns, Reference: ref}, nil
}

// IsCAIP2 reports whether s is a well formed CAIP-2 identifier.
func IsCAIP2(s string) bool {
	return caip2Regex.MatchString(s)
}

// Family returns the chain family of the network.
func (n Network) Family() ChainFamily {
	switch n.Namespace {
	case "eip155":
		return ChainEVM
	case "solana":
		return ChainSolana
	default:
		return ChainUnknown
	}
}

// ChainID returns the EIP-155 chain id of an eip155 network.
func (n Network) ChainID() (*big.Int, error) {
	if n.Family() != ChainEVM {
		return nil, fmt.Errorf("network %s is not an EVM network", n)
	}
	id, ok := new(big.Int).SetString(n.Reference, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid eip155 chain reference %q", n.Reference)
	}
	return id, nil
}

func (n Network) String() string {
	return n.Namespace + ":" + n.Reference
}

// EVMChainID parses an eip155 CAIP-2 identifier straight to its chain id.
func EVMChainID(network string) (*big.Int, error) {
	n, err := ParseNetwork(network)
	if err != nil {
		return nil, err
	}
	return n.ChainID()
}
