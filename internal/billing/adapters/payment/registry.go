// Package payment provides the payment providers behind gateway.Provider
package payment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/gateway"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// Provider names
const (
	ProviderDummy  = "dummy"
	ProviderStripe = "stripe"
)

// Registry holds the configured providers. Charges go to the default one;
// webhooks are routed by name.
type Registry struct {
	providers   map[string]gateway.Provider
	defaultName string
}

// NewRegistry creates a registry. The first provider is the default unless
// defaultName names another one.
func NewRegistry(defaultName string, providers ...gateway.Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("payment registry needs at least one provider")
	}
	r := &Registry{providers: make(map[string]gateway.Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	if defaultName == "" {
		defaultName = providers[0].Name()
	}
	if _, ok := r.providers[defaultName]; !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, defaultName)
	}
	r.defaultName = defaultName
	return r, nil
}

// NewRegistryFromConfig registers the dummy provider always and Stripe when a
// secret key is configured.
func NewRegistryFromConfig(cfg config.PaymentsConfig, log logger.Logger) (*Registry, error) {
	providers := []gateway.Provider{
		NewDummyProvider(DummyConfig{Outcome: cfg.DummyOutcome, WebhookSecret: cfg.DummyWebhookSecret}),
	}
	if cfg.StripeSecretKey != "" {
		providers = append(providers, NewStripeProvider(StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PaymentMethod: cfg.StripePaymentMethod,
		}, log))
	}
	return NewRegistry(strings.ToLower(cfg.Provider), providers...)
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (gateway.Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the provider used for new charges
func (r *Registry) Default() gateway.Provider {
	return r.providers[r.defaultName]
}

// Names lists the registered providers
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
