package plans

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/dreammaker/internal/config"
)

var (
	// ErrUnknownPlan is returned when a plan id is not in the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrUnknownPackage is returned when a token package id is not in the catalog.
	ErrUnknownPackage = errors.New("unknown token package")
)

// Plan is an immutable subscription plan entry.
type Plan struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	GenerationWait time.Duration `json:"-"`
	QueueWait      time.Duration `json:"-"`
	Tokens         float64       `json:"tokens"`
	Price          float64       `json:"price"`
	Priority       int           `json:"priority"` // Higher is served first
	Outranks       []string      `json:"outranks,omitempty"`
}

// TokenPackage is a purchasable bundle of tokens.
type TokenPackage struct {
	ID     string  `json:"id"`
	Tokens float64 `json:"tokens"`
	Price  float64 `json:"price"`
}

// Catalog maps plan ids to plans. It is read-only after construction and safe for
// concurrent use.
type Catalog struct {
	plans     map[string]Plan
	packages  map[string]TokenPackage
	defaultID string
}

// NewCatalog builds a catalog from configuration.
//
// Priorities are derived from the "outranks" relation: a plan with no outranked plans
// gets priority 0, and every other plan sits one above the highest plan it outranks.
// A cycle in the relation or a reference to an undefined plan is an error.
func NewCatalog(cfg *config.AppConfig) (*Catalog, error) {
	c := &Catalog{
		plans:     make(map[string]Plan, len(cfg.Plans)),
		packages:  make(map[string]TokenPackage, len(cfg.TokenPackages)),
		defaultID: cfg.DefaultPlan,
	}

	for id, pc := range cfg.Plans {
		for _, lower := range pc.Outranks {
			if _, ok := cfg.Plans[lower]; !ok {
				return nil, fmt.Errorf("plan %q outranks undefined plan %q: %w", id, lower, ErrUnknownPlan)
			}
		}
		c.plans[id] = Plan{
			ID:             id,
			Name:           pc.Name,
			GenerationWait: seconds(pc.GenerationWait),
			QueueWait:      seconds(pc.QueueWait),
			Tokens:         pc.Tokens,
			Price:          pc.Price,
			Outranks:       append([]string(nil), pc.Outranks...),
		}
	}

	if _, ok := c.plans[c.defaultID]; !ok {
		return nil, fmt.Errorf("default plan %q: %w", c.defaultID, ErrUnknownPlan)
	}

	if err := c.rank(); err != nil {
		return nil, err
	}

	for id, pk := range cfg.TokenPackages {
		c.packages[id] = TokenPackage{ID: id, Tokens: pk.Tokens, Price: pk.Price}
	}

	return c, nil
}

// rank assigns priorities by walking the outranks graph in topological order.
func (c *Catalog) rank() error {
	var edges []toposort.Edge
	for id, p := range c.plans {
		// Edge from nil keeps plans with no relations in the sorted output
		edges = append(edges, toposort.Edge{nil, id})
		for _, lower := range p.Outranks {
			// Edge (id, lower) means id is ranked above lower
			edges = append(edges, toposort.Edge{id, lower})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("plan ranking contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Walk from the lowest-ranked plans up so every outranked plan is settled first
	for i := len(order) - 1; i >= 0; i-- {
		p := c.plans[order[i]]
		p.Priority = 0
		for _, lower := range p.Outranks {
			if prio := c.plans[lower].Priority + 1; prio > p.Priority {
				p.Priority = prio
			}
		}
		c.plans[order[i]] = p
	}
	return nil
}

// Get returns the plan with the given id.
func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("plan %q: %w", id, ErrUnknownPlan)
	}
	return p, nil
}

// Default returns the plan assigned to new users.
func (c *Catalog) Default() Plan {
	return c.plans[c.defaultID]
}

// List returns all plans ordered from highest to lowest priority, then by id.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Package returns the token package with the given id.
func (c *Catalog) Package(id string) (TokenPackage, error) {
	pk, ok := c.packages[id]
	if !ok {
		return TokenPackage{}, fmt.Errorf("token package %q: %w", id, ErrUnknownPackage)
	}
	return pk, nil
}

// Packages returns all token packages ordered by token count.
func (c *Catalog) Packages() []TokenPackage {
	out := make([]TokenPackage, 0, len(c.packages))
	for _, pk := range c.packages {
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tokens != out[j].Tokens {
			return out[i].Tokens < out[j].Tokens
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
