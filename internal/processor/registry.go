package processor

import (
	"strings"

	"github.com/shiftmarket/escrow/internal/processor/domain"
)

// Registry resolves a rail name to its gateway.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	byRail := make(map[string]domain.Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		byRail[strings.ToLower(gw.Rail())] = gw
	}
	return &Registry{gateways: byRail}
}

func (r *Registry) Lookup(rail string) (domain.Gateway, error) {
	gw, ok := r.gateways[strings.ToLower(strings.TrimSpace(rail))]
	if !ok {
		return nil, domain.ErrUnknownRail
	}
	return gw, nil
}

func (r *Registry) RailExists(rail string) bool {
	_, ok := r.gateways[strings.ToLower(strings.TrimSpace(rail))]
	return ok
}
