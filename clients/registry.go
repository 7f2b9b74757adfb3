package clients

import (
	"fmt"
	"sort"

	"github.com/vitwit/x402-facilitator/types"
)

type key struct {
	scheme  string
	network string
}

// Registry maps (scheme, network) to a Client. It is read-only after
// NewRegistry returns.
type Registry struct {
	clients map[key]Client
	order   []key
}

// NewRegistry indexes clients. Two clients for the same pair are an error.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{clients: make(map[key]Client, len(clients))}
	for _, c := range clients {
		if c == nil {
			continue
		}
		k := key{scheme: c.Scheme(), network: c.Network()}
		if _, dup := r.clients[k]; dup {
			return nil, fmt.Errorf("duplicate scheme %q for network %s", k.scheme, k.network)
		}
		r.clients[k] = c
		r.order = append(r.order, k)
	}
	sort.Slice(r.order, func(i, j int) bool {
		if r.order[i].network != r.order[j].network {
			return r.order[i].network < r.order[j].network
		}
		return r.order[i].scheme < r.order[j].scheme
	})
	return r, nil
}

// Lookup returns the client for scheme on network.
func (r *Registry) Lookup(scheme, network string) (Client, bool) {
	c, ok := r.clients[key{scheme: scheme, network: network}]
	return c, ok
}

// Kinds lists the registered pairs for /supported.
func (r *Registry) Kinds() []types.SupportedKind {
	kinds := make([]types.SupportedKind, 0, len(r.order))
	for _, k := range r.order {
		kinds = append(kinds, types.SupportedKind{
			X402Version: types.X402Version,
			Scheme:      k.scheme,
			Network:     k.network,
			Extra:       r.clients[k].Extra(),
		})
	}
	return kinds
}

// Signers groups the settlement addresses by network.
func (r *Registry) Signers() map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	for _, k := range r.order {
		for _, s := range r.clients[k].Signers() {
			if seen[k.network+s] {
				continue
			}
			seen[k.network+s] = true
			out[k.network] = append(out[k.network], s)
		}
	}
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int { return len(r.order) }

// Close closes every client.
func (r *Registry) Close() {
	for _, k := range r.order {
		r.clients[k].Close()
	}
}
