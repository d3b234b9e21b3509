package llms

import (
	"fmt"

	"github.com/Chester930/cag/pkg/registry"
)

// ProviderRegistry holds named model providers.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
	}
}

// RegisterProvider adds a provider under a name.
func (r *ProviderRegistry) RegisterProvider(name string, provider Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	return r.Register(name, provider)
}

// GetProvider looks up a provider by name.
func (r *ProviderRegistry) GetProvider(name string) (Provider, error) {
	provider, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider '%s' not registered (available: %v)", name, r.Names())
	}
	return provider, nil
}
