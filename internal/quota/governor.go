package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aristath/dreammaker/internal/config"
	"github.com/aristath/dreammaker/internal/plans"
)

// DateLayout is the calendar-date format of State.LastResetDate.
const DateLayout = "2006-01-02"

// State is one user's quota record.
type State struct {
	UserID           int64
	Plan             string
	TokenBalance     float64
	RemainingImages  int
	LastResetDate    string    // Calendar date of the last daily reset
	LastGenerationAt time.Time // Zero until the first generation is reserved
}

// NewUser describes an account to create with its initial grants.
type NewUser struct {
	Username        string
	Email           string
	Plan            string
	Tokens          float64
	RemainingImages int
	ResetDate       string
}

// Store persists quota state. UpdateQuota must run fn and write back the state it
// leaves behind in a single transaction; if fn returns an error nothing is written.
type Store interface {
	UpdateQuota(ctx context.Context, userID int64, fn func(*State) error) error
	QuotaState(ctx context.Context, userID int64) (State, error)
	CreateUser(ctx context.Context, u NewUser) (int64, error)
	AddTokens(ctx context.Context, userID int64, amount float64) error
	SetPlan(ctx context.Context, userID int64, planID string, grant float64) error
}

// Rules are the plan-independent limits.
type Rules struct {
	DailyImages int
	ImageCost   float64
	Location    *time.Location // Calendar used for daily resets
}

// RulesFromConfig builds Rules, resolving the configured time zone.
func RulesFromConfig(cfg *config.AppConfig) (Rules, error) {
	loc := time.Local
	if cfg.Scheduler.Location != "" {
		l, err := time.LoadLocation(cfg.Scheduler.Location)
		if err != nil {
			return Rules{}, fmt.Errorf("failed to load location %q: %w", cfg.Scheduler.Location, err)
		}
		loc = l
	}
	return Rules{
		DailyImages: cfg.Quota.DailyImages,
		ImageCost:   cfg.Quota.ImageTokenCost,
		Location:    loc,
	}, nil
}

// Today returns the calendar date of now under the rules' location.
func (r Rules) Today(now time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(DateLayout)
}

// Evaluate runs the three eligibility checks in order: token balance, daily
// allowance, then generation spacing. It applies the lazy daily reset to s and
// returns the first failing check as a *DeniedError. s is never stamped here.
func Evaluate(s *State, plan plans.Plan, rules Rules, now time.Time) error {
	if s.TokenBalance < rules.ImageCost {
		return insufficientTokens(s.TokenBalance, rules.ImageCost)
	}

	if today := rules.Today(now); s.LastResetDate != today {
		s.RemainingImages = rules.DailyImages
		s.LastResetDate = today
	}
	if s.RemainingImages <= 0 {
		return dailyLimit()
	}

	if !s.LastGenerationAt.IsZero() {
		if elapsed := now.Sub(s.LastGenerationAt); elapsed < plan.GenerationWait {
			return rateLimited(plan.GenerationWait - elapsed)
		}
	}
	return nil
}

// Governor gates generation requests on tokens, daily allowance and spacing.
type Governor struct {
	store   Store
	catalog *plans.Catalog
	rules   Rules

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// New creates a Governor.
func New(store Store, catalog *plans.Catalog, rules Rules) *Governor {
	return &Governor{
		store:   store,
		catalog: catalog,
		rules:   rules,
		Now:     time.Now,
	}
}

// Admit checks eligibility at enqueue time. The lazy daily reset is persisted;
// the spacing baseline is not touched.
func (g *Governor) Admit(ctx context.Context, userID int64) error {
	return g.check(ctx, userID, false)
}

// Reserve checks eligibility right before generation and, when every check
// passes, stamps the spacing baseline in the same transaction.
func (g *Governor) Reserve(ctx context.Context, userID int64) error {
	return g.check(ctx, userID, true)
}

func (g *Governor) check(ctx context.Context, userID int64, stamp bool) error {
	now := g.Now()
	var denied error

	err := g.store.UpdateQuota(ctx, userID, func(s *State) error {
		denied = Evaluate(s, g.lookup(s.Plan), g.rules, now)
		if denied == nil && stamp {
			s.LastGenerationAt = now
		}
		// Commit the reset even when denied
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to check quota for user %d: %w", userID, err)
	}

	if denied != nil {
		var de *DeniedError
		if errors.As(denied, &de) {
			log.WithFields(log.Fields{
				"user_id": userID,
				"reason":  de.Reason,
				"reserve": stamp,
			}).Debug("generation denied")
		}
		return denied
	}
	return nil
}

// PlanFor returns the plan the user is currently on.
func (g *Governor) PlanFor(ctx context.Context, userID int64) (plans.Plan, error) {
	s, err := g.store.QuotaState(ctx, userID)
	if err != nil {
		return plans.Plan{}, fmt.Errorf("failed to load quota state for user %d: %w", userID, err)
	}
	return g.lookup(s.Plan), nil
}

// lookup resolves a stored plan id, falling back to the default plan for ids
// that were removed from the catalog.
func (g *Governor) lookup(id string) plans.Plan {
	p, err := g.catalog.Get(id)
	if err != nil {
		def := g.catalog.Default()
		log.WithFields(log.Fields{"plan": id, "fallback": def.ID}).Warn("user has unknown plan")
		return def
	}
	return p
}

// Snapshot is a read-only view of a user's quota.
type Snapshot struct {
	UserID           int64      `json:"user_id"`
	Plan             plans.Plan `json:"plan"`
	TokenBalance     float64    `json:"token_balance"`
	ImageCost        float64    `json:"image_cost"`
	RemainingImages  int        `json:"remaining_images"`
	DailyImages      int        `json:"daily_images"`
	NextGenerationAt time.Time  `json:"next_generation_at"` // Zero if generation is allowed now
}

// Snapshot reports the user's quota as a check made now would see it, without
// writing anything.
func (g *Governor) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	s, err := g.store.QuotaState(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load quota state for user %d: %w", userID, err)
	}

	now := g.Now()
	plan := g.lookup(s.Plan)
	if s.LastResetDate != g.rules.Today(now) {
		s.RemainingImages = g.rules.DailyImages
	}

	snap := Snapshot{
		UserID:          userID,
		Plan:            plan,
		TokenBalance:    s.TokenBalance,
		ImageCost:       g.rules.ImageCost,
		RemainingImages: s.RemainingImages,
		DailyImages:     g.rules.DailyImages,
	}
	if !s.LastGenerationAt.IsZero() {
		if next := s.LastGenerationAt.Add(plan.GenerationWait); next.After(now) {
			snap.NextGenerationAt = next
		}
	}
	return snap, nil
}

// Register creates a user on the given plan (the default plan when empty),
// granting the plan's tokens and today's image allowance.
func (g *Governor) Register(ctx context.Context, username, email, planID string) (int64, error) {
	plan := g.catalog.Default()
	if planID != "" {
		p, err := g.catalog.Get(planID)
		if err != nil {
			return 0, err
		}
		plan = p
	}

	id, err := g.store.CreateUser(ctx, NewUser{
		Username:        username,
		Email:           email,
		Plan:            plan.ID,
		Tokens:          plan.Tokens,
		RemainingImages: g.rules.DailyImages,
		ResetDate:       g.rules.Today(g.Now()),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to register user %q: %w", username, err)
	}

	log.WithFields(log.Fields{"user_id": id, "plan": plan.ID}).Info("user registered")
	return id, nil
}

// Credit adds a token package to the user's balance.
func (g *Governor) Credit(ctx context.Context, userID int64, packageID string) (plans.TokenPackage, error) {
	pkg, err := g.catalog.Package(packageID)
	if err != nil {
		return plans.TokenPackage{}, err
	}
	if err := g.store.AddTokens(ctx, userID, pkg.Tokens); err != nil {
		return plans.TokenPackage{}, fmt.Errorf("failed to credit user %d: %w", userID, err)
	}
	log.WithFields(log.Fields{"user_id": userID, "package": pkg.ID, "tokens": pkg.Tokens}).Info("tokens credited")
	return pkg, nil
}

// ChangePlan moves the user to another plan and grants that plan's tokens.
// Tasks already queued keep the priority they were enqueued with.
func (g *Governor) ChangePlan(ctx context.Context, userID int64, planID string) (plans.Plan, error) {
	plan, err := g.catalog.Get(planID)
	if err != nil {
		return plans.Plan{}, err
	}
	if err := g.store.SetPlan(ctx, userID, plan.ID, plan.Tokens); err != nil {
		return plans.Plan{}, fmt.Errorf("failed to change plan for user %d: %w", userID, err)
	}
	log.WithFields(log.Fields{"user_id": userID, "plan": plan.ID}).Info("plan changed")
	return plan, nil
}
