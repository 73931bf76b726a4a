package adapters

import (
	"strings"

	"github.com/vendazap/vendazap/internal/gateway/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		gatewayType := strings.ToLower(strings.TrimSpace(adapter.Type()))
		if gatewayType == "" {
			continue
		}
		registry.adapters[gatewayType] = adapter
	}
	return registry
}

func (r *Registry) Exists(gatewayType string) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[strings.ToLower(strings.TrimSpace(gatewayType))]
	return ok
}

func (r *Registry) Get(gatewayType string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrUnknownGateway
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(gatewayType))]
	if !ok {
		return nil, domain.ErrUnknownGateway
	}
	return adapter, nil
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.adapters))
	for gatewayType := range r.adapters {
		out = append(out, gatewayType)
	}
	return out
}
