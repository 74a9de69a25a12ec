package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/agentrelay/internal/storage"
)

type countingStore struct {
	*storage.Store
	planReads int
}

func (c *countingStore) UserPlan(ctx context.Context, userID string) (string, error) {
	c.planReads++
	return c.Store.UserPlan(ctx, userID)
}

func newOracle(t *testing.T, catalog Catalog) (*Oracle, *countingStore) {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cs := &countingStore{Store: st}
	o, err := New(cs, catalog, time.Minute)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, cs
}

func saveMessages(t *testing.T, st *storage.Store, userID string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.SaveMessage(context.Background(), storage.MessageRecord{
			UserID: userID, AgentID: "a1", ThreadID: "t1", UserMessage: "hi", Response: "hello", CreatedAt: at,
		})
		require.NoError(t, err)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "FREE", c.DefaultPlan)
	assert.Equal(t, 5000, c.Plans["FREE"].MaxMessagesPerMonth)
	assert.False(t, c.Plans["FREE"].UnlimitedMessages)
	for _, name := range []string{"HOBBY", "BASIC", "PRO"} {
		assert.True(t, c.Plans[name].UnlimitedMessages, name)
	}
	assert.Equal(t, DefaultLimitMessage, c.Lookup("free").LimitMessage)
	assert.Equal(t, "FREE", c.Lookup("unknown").Name)
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(`
defaultPlan: trial
plans:
  trial:
    maxMessagesPerMonth: 3
    limitMessage: Trial over.
  team:
    unlimitedMessages: true
`))
	require.NoError(t, err)
	assert.Equal(t, "TRIAL", c.DefaultPlan)
	assert.Equal(t, "Trial over.", c.Plans["TRIAL"].LimitMessage)
	assert.Equal(t, DefaultLimitMessage, c.Plans["TEAM"].LimitMessage)
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no plans":        "defaultPlan: FREE\n",
		"missing default": "defaultPlan: GOLD\nplans:\n  FREE:\n    maxMessagesPerMonth: 1\n",
		"zero limit":      "defaultPlan: FREE\nplans:\n  FREE:\n    maxMessagesPerMonth: 0\n",
		"bad yaml":        "plans: [",
	}
	for name, doc := range cases {
		_, err := ParseCatalog([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadCatalogMissingFileUsesDefault(t *testing.T) {
	c, err := LoadCatalog(t.TempDir() + "/plans.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog(), c)
}

func TestCheckBelowLimit(t *testing.T) {
	catalog := DefaultCatalog()
	free := catalog.Plans["FREE"]
	free.MaxMessagesPerMonth = 3
	catalog.Plans["FREE"] = free

	o, st := newOracle(t, catalog)
	saveMessages(t, st.Store, "u1", 2, time.Now())

	d, err := o.Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Used)
	assert.Empty(t, d.Message)
}

// TestCheckAtLimit verifies a count equal to the limit is refused.
func TestCheckAtLimit(t *testing.T) {
	catalog := DefaultCatalog()
	free := catalog.Plans["FREE"]
	free.MaxMessagesPerMonth = 3
	catalog.Plans["FREE"] = free

	o, st := newOracle(t, catalog)
	saveMessages(t, st.Store, "u1", 3, time.Now())

	d, err := o.Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DefaultLimitMessage, d.Message)
}

func TestCheckIgnoresMessagesOutsideWindow(t *testing.T) {
	catalog := DefaultCatalog()
	free := catalog.Plans["FREE"]
	free.MaxMessagesPerMonth = 1
	catalog.Plans["FREE"] = free

	o, st := newOracle(t, catalog)
	saveMessages(t, st.Store, "u1", 5, time.Now().Add(-31*24*time.Hour))

	d, err := o.Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Used)
}

func TestCheckUnlimitedPlan(t *testing.T) {
	catalog := DefaultCatalog()
	free := catalog.Plans["FREE"]
	free.MaxMessagesPerMonth = 1
	catalog.Plans["FREE"] = free

	o, st := newOracle(t, catalog)
	require.NoError(t, st.SetUserPlan(context.Background(), "u1", "PRO"))
	saveMessages(t, st.Store, "u1", 10, time.Now())

	d, err := o.Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "PRO", d.Plan)
}

func TestPlanCachedUntilInvalidated(t *testing.T) {
	o, st := newOracle(t, DefaultCatalog())
	ctx := context.Background()

	_, err := o.Check(ctx, "u1")
	require.NoError(t, err)
	o.plans.Wait()

	d, err := o.Check(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "FREE", d.Plan)
	assert.Equal(t, 1, st.planReads)

	require.NoError(t, st.SetUserPlan(ctx, "u1", "HOBBY"))
	o.Invalidate("u1")

	d, err = o.Check(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "HOBBY", d.Plan)
	assert.Equal(t, 2, st.planReads)
}
