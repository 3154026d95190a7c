package quota

import (
	"errors"
	"fmt"
	"slices"

	"github.com/miradorstack/decision-core/internal/models"
)

// ErrUnknownPolicy is returned for a tier/service pair missing from the table.
var ErrUnknownPolicy = errors.New("no rate limit policy")

// Limit is the typed quota for one (tier, service) pair.
type Limit struct {
	Limit         int64 `yaml:"limit"`
	WindowSeconds int64 `yaml:"window_seconds"`
}

// Policy is the validated tier x service rate table.
type Policy struct {
	table    map[models.Tier]map[models.ServiceKey]Limit
	services []models.ServiceKey
}

// NewPolicy validates table against every tier and the given services. Any
// missing or non-positive entry fails; nothing is defaulted.
func NewPolicy(table map[models.Tier]map[models.ServiceKey]Limit, services []models.ServiceKey) (*Policy, error) {
	if len(services) == 0 {
		return nil, errors.New("rate limit policy: no services declared")
	}
	var errs []error
	copied := make(map[models.Tier]map[models.ServiceKey]Limit, len(models.Tiers))
	for _, tier := range models.Tiers {
		row, ok := table[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("rate limit policy: tier %q missing", tier))
			continue
		}
		copied[tier] = make(map[models.ServiceKey]Limit, len(services))
		for _, service := range services {
			limit, ok := row[service]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("rate limit policy: %s/%s missing", tier, service))
			case limit.Limit <= 0 || limit.WindowSeconds <= 0:
				errs = append(errs, fmt.Errorf("rate limit policy: %s/%s must have positive limit and window_seconds", tier, service))
			default:
				copied[tier][service] = limit
			}
		}
	}
	for tier := range table {
		if !slices.Contains(models.Tiers, tier) {
			errs = append(errs, fmt.Errorf("rate limit policy: unknown tier %q", tier))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Policy{table: copied, services: slices.Clone(services)}, nil
}

// Lookup returns the limit for tier and service.
func (p *Policy) Lookup(tier models.Tier, service models.ServiceKey) (Limit, error) {
	limit, ok := p.table[tier][service]
	if !ok {
		return Limit{}, fmt.Errorf("%w for %s/%s", ErrUnknownPolicy, tier, service)
	}
	return limit, nil
}

// Services returns the services the policy covers.
func (p *Policy) Services() []models.ServiceKey {
	return slices.Clone(p.services)
}
