package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/kalambet/agentrelay/internal/storage"
)

// Window is the trailing period message counts are taken over.
const Window = 30 * 24 * time.Hour

// Store reads plan bindings and message counts.
type Store interface {
	UserPlan(ctx context.Context, userID string) (string, error)
	CountMessagesSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Decision is the outcome of a quota check. Message is set when Allowed is false.
type Decision struct {
	Allowed bool
	Plan    string
	Used    int
	Limit   int
	Message string
}

// Oracle checks plan limits. Plan names are cached per user; message counts
// are always read from the store.
type Oracle struct {
	store   Store
	catalog Catalog
	plans   *ristretto.Cache[string, string]
	ttl     time.Duration
	now     func() time.Time
}

func New(store Store, catalog Catalog, ttl time.Duration) (*Oracle, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("plan cache: %w", err)
	}
	return &Oracle{store: store, catalog: catalog, plans: cache, ttl: ttl, now: time.Now}, nil
}

// Check reports whether userID may send another message.
func (o *Oracle) Check(ctx context.Context, userID string) (Decision, error) {
	name, err := o.planName(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	plan := o.catalog.Lookup(name)
	if plan.UnlimitedMessages {
		return Decision{Allowed: true, Plan: plan.Name}, nil
	}

	used, err := o.store.CountMessagesSince(ctx, userID, o.now().Add(-Window))
	if err != nil {
		return Decision{}, fmt.Errorf("counting messages: %w", err)
	}
	d := Decision{Allowed: used < plan.MaxMessagesPerMonth, Plan: plan.Name, Used: used, Limit: plan.MaxMessagesPerMonth}
	if !d.Allowed {
		d.Message = plan.LimitMessage
	}
	return d, nil
}

// Invalidate drops the cached plan for userID after a plan change.
func (o *Oracle) Invalidate(userID string) {
	o.plans.Del(userID)
	o.plans.Wait()
}

func (o *Oracle) Close() {
	o.plans.Close()
}

func (o *Oracle) planName(ctx context.Context, userID string) (string, error) {
	if name, ok := o.plans.Get(userID); ok {
		return name, nil
	}
	name, err := o.store.UserPlan(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		name = o.catalog.DefaultPlan
	} else if err != nil {
		return "", fmt.Errorf("loading plan: %w", err)
	}
	if o.ttl > 0 {
		o.plans.SetWithTTL(userID, name, 1, o.ttl)
	}
	return name, nil
}
