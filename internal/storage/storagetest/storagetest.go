// Package storagetest holds behavioural tests every storage.Store backend
// must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/storage"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Agents", func(t *testing.T) { testAgents(t, newStore(t)) })
	t.Run("BudgetCAS", func(t *testing.T) { testBudgetCAS(t, newStore(t)) })
	t.Run("LeaseLifecycle", func(t *testing.T) { testLeaseLifecycle(t, newStore(t)) })
	t.Run("PartialSpend", func(t *testing.T) { testPartialSpend(t, newStore(t)) })
	t.Run("ExpiredLeases", func(t *testing.T) { testExpiredLeases(t, newStore(t)) })
	t.Run("ProviderKeys", func(t *testing.T) { testProviderKeys(t, newStore(t)) })
	t.Run("RequestDecisions", func(t *testing.T) { testRequestDecisions(t, newStore(t)) })
	t.Run("BudgetChangeWithDecision", func(t *testing.T) { testBudgetChangeWithDecision(t, newStore(t)) })
	t.Run("ListRequests", func(t *testing.T) { testListRequests(t, newStore(t)) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// SeedAgent creates an agent with allocated micro-dollars and returns it
// with its budget row.
func SeedAgent(t *testing.T, s storage.Store, allocated int64) (model.Agent, model.AgentBudget) {
	t.Helper()
	ts := now()
	project := "proj-" + uuid.NewString()[:8]
	a := model.Agent{
		ID:               uuid.New(),
		OwnerID:          "owner-" + uuid.NewString()[:8],
		ProjectID:        &project,
		Name:             "test agent",
		AllowedProviders: []string{"anthropic", "openai"},
		CreatedAt:        ts,
	}
	b := model.AgentBudget{
		AgentID:         a.ID,
		TotalAllocated:  allocated,
		BudgetRemaining: allocated,
		Version:         1,
		UpdatedAt:       ts,
	}
	require.NoError(t, s.CreateAgent(context.Background(), a, b))
	return a, b
}

func reserve(b model.AgentBudget, amount int64) model.AgentBudget {
	b.Reserved += amount
	b.BudgetRemaining -= amount
	b.Version++
	b.UpdatedAt = now()
	return b
}

func newLease(agentID uuid.UUID, amount int64, expiresAt *time.Time) model.BudgetLease {
	return model.BudgetLease{
		ID:             uuid.New(),
		AgentID:        agentID,
		BudgetID:       agentID,
		Provider:       "anthropic",
		ReservedAmount: amount,
		State:          model.LeaseActive,
		CreatedAt:      now(),
		ExpiresAt:      expiresAt,
	}
}

func testAgents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := SeedAgent(t, s, 100_000_000)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.OwnerID, got.OwnerID)
	assert.Equal(t, *a.ProjectID, *got.ProjectID)
	assert.Equal(t, a.AllowedProviders, got.AllowedProviders)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	gotBudget, err := s.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.TotalAllocated, gotBudget.TotalAllocated)
	assert.Equal(t, int64(1), gotBudget.Version)
	assert.True(t, gotBudget.Consistent())

	_, err = s.GetAgent(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetBudget(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testBudgetCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := SeedAgent(t, s, 100)

	first := newLease(a.ID, 10, nil)
	require.NoError(t, s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: b.Version, Budget: reserve(b, 10), Fresh: &first,
	}))

	// A writer still holding version 1 loses and inserts nothing.
	second := newLease(a.ID, 20, nil)
	err := s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: b.Version, Budget: reserve(b, 20), Fresh: &second,
	})
	require.ErrorIs(t, err, storage.ErrStaleVersion)
	_, err = s.GetLease(ctx, second.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Reserved)
	assert.Equal(t, int64(90), got.BudgetRemaining)
	assert.Equal(t, int64(2), got.Version)

	ghost := model.AgentBudget{AgentID: uuid.New(), Version: 2, UpdatedAt: now()}
	err = s.ApplyLeaseChange(ctx, storage.LeaseChange{ExpectedVersion: 1, Budget: ghost})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testLeaseLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := SeedAgent(t, s, 100_000_000)

	exp := now().Add(time.Hour)
	l := newLease(a.ID, 10_000_000, &exp)
	held := reserve(b, l.ReservedAmount)
	require.NoError(t, s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: b.Version, Budget: held, Fresh: &l,
	}))

	stored, err := s.GetLease(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseActive, stored.State)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, exp.Equal(*stored.ExpiresAt))
	assert.Nil(t, stored.SettledAt)
	assert.Nil(t, stored.ReportedCost)

	cost := int64(7_000_000)
	settledAt := now()
	settled := stored
	settled.State = model.LeaseSettled
	settled.SpentAmount = cost
	settled.ReportedCost = &cost
	settled.SettledAt = &settledAt

	next := held
	next.Reserved -= l.ReservedAmount
	next.TotalSpent += cost
	next.BudgetRemaining = next.TotalAllocated - next.TotalSpent - next.Reserved
	next.Version++
	require.NoError(t, s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: held.Version, Budget: next, Prev: &stored, Settled: &settled,
	}))

	got, err := s.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7_000_000), got.TotalSpent)
	assert.Equal(t, int64(0), got.Reserved)
	assert.Equal(t, int64(93_000_000), got.BudgetRemaining)

	again := next
	again.Version++
	err = s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: next.Version, Budget: again, Prev: &stored, Settled: &settled,
	})
	require.ErrorIs(t, err, model.ErrLeaseAlreadySettled)

	unchanged, err := s.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, next.Version, unchanged.Version)

	final, err := s.GetLease(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseSettled, final.State)
	require.NotNil(t, final.ReportedCost)
	assert.Equal(t, cost, *final.ReportedCost)
}

func testPartialSpend(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := SeedAgent(t, s, 1000)
	l := newLease(a.ID, 100, nil)
	require.NoError(t, s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: b.Version, Budget: reserve(b, 100), Fresh: &l,
	}))

	require.NoError(t, s.RecordPartialSpend(ctx, l, 40))
	got, err := s.GetLease(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.SpentAmount)

	// l still carries spent 0.
	err = s.RecordPartialSpend(ctx, l, 60)
	assert.ErrorIs(t, err, storage.ErrStaleVersion)

	err = s.RecordPartialSpend(ctx, model.BudgetLease{ID: uuid.New()}, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testExpiredLeases(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, _ := SeedAgent(t, s, 1000)

	past := now().Add(-time.Minute)
	future := now().Add(time.Hour)
	stale := newLease(a.ID, 10, &past)
	fresh := newLease(a.ID, 10, &future)
	forever := newLease(a.ID, 10, nil)

	for _, l := range []model.BudgetLease{stale, fresh, forever} {
		cur, err := s.GetBudget(ctx, a.ID)
		require.NoError(t, err)
		require.NoError(t, s.ApplyLeaseChange(ctx, storage.LeaseChange{
			ExpectedVersion: cur.Version, Budget: reserve(cur, l.ReservedAmount), Fresh: &l,
		}))
	}

	expired := expiredFor(t, s, a.ID)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	cur, err := s.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	settledAt := now()
	closed := expired[0]
	closed.State = model.LeaseExpired
	closed.SettledAt = &settledAt
	next := cur
	next.Reserved -= closed.ReservedAmount
	next.BudgetRemaining += closed.ReservedAmount
	next.Version++
	require.NoError(t, s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: cur.Version, Budget: next, Prev: &expired[0], Settled: &closed,
	}))

	// Settling an expired lease reports expiry, not a conflict.
	retry := next
	retry.Version++
	err = s.ApplyLeaseChange(ctx, storage.LeaseChange{
		ExpectedVersion: next.Version, Budget: retry, Prev: &expired[0], Settled: &closed,
	})
	assert.ErrorIs(t, err, model.ErrLeaseExpired)

	assert.Empty(t, expiredFor(t, s, a.ID))
}

// expiredFor filters ListExpiredLeases to one agent so the suite can share a
// database with other tests.
func expiredFor(t *testing.T, s storage.Store, agentID uuid.UUID) []model.BudgetLease {
	t.Helper()
	all, err := s.ListExpiredLeases(context.Background(), now(), storage.MaxListLimit)
	require.NoError(t, err)
	var out []model.BudgetLease
	for _, l := range all {
		if l.AgentID == agentID {
			out = append(out, l)
		}
	}
	return out
}

func testProviderKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, _ := SeedAgent(t, s, 1000)

	mk := func(label string, created time.Time) model.ProviderKey {
		k := model.ProviderKey{
			ID:         uuid.New(),
			Provider:   "anthropic",
			Ciphertext: []byte("ciphertext-" + label),
			Nonce:      []byte("nonce-" + label),
			Enabled:    true,
			Label:      label,
			CreatedAt:  created,
		}
		require.NoError(t, s.CreateProviderKey(ctx, k))
		require.NoError(t, s.AssignProviderKey(ctx, model.ProviderKeyAssignment{
			AgentID: a.ID, Provider: k.Provider, ProviderKeyID: k.ID, CreatedAt: created,
		}))
		return k
	}
	older := mk("older", now().Add(-time.Minute))
	newer := mk("newer", now())

	// Assigning twice is harmless.
	require.NoError(t, s.AssignProviderKey(ctx, model.ProviderKeyAssignment{
		AgentID: a.ID, Provider: "anthropic", ProviderKeyID: newer.ID, CreatedAt: now(),
	}))

	got, err := s.GetAssignedKey(ctx, a.ID, "anthropic", nil)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.Equal(t, newer.Ciphertext, got.Ciphertext)
	assert.Equal(t, newer.Nonce, got.Nonce)

	got, err = s.GetAssignedKey(ctx, a.ID, "anthropic", &older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	require.NoError(t, s.SetProviderKeyEnabled(ctx, newer.ID, false))
	got, err = s.GetAssignedKey(ctx, a.ID, "anthropic", nil)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	_, err = s.GetAssignedKey(ctx, a.ID, "anthropic", &newer.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAssignedKey(ctx, a.ID, "openai", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	disabled, err := s.GetProviderKey(ctx, newer.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	assert.ErrorIs(t, s.SetProviderKeyEnabled(ctx, uuid.New(), true), storage.ErrNotFound)
}

func newRequest(t *testing.T, s storage.Store, agentID uuid.UUID, current, requested int64) model.BudgetChangeRequest {
	t.Helper()
	ts := now()
	r := model.BudgetChangeRequest{
		ID:              uuid.New(),
		AgentID:         agentID,
		RequesterID:     "requester",
		CurrentBudget:   current,
		RequestedBudget: requested,
		Justification:   "need more budget for the nightly evaluation run",
		Status:          model.RequestPending,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	require.NoError(t, s.CreateRequest(context.Background(), r))
	return r
}

func testRequestDecisions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, _ := SeedAgent(t, s, 100)
	r := newRequest(t, s, a.ID, 100, 250)

	stale := storage.RequestDecision{
		ID: r.ID, ExpectedUpdatedAt: r.UpdatedAt.Add(-time.Second),
		Status: model.RequestCancelled, UpdatedAt: now(),
	}
	err := s.DecideRequest(ctx, stale)
	require.ErrorIs(t, err, model.ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, model.ErrAlreadyProcessed)

	reviewer, note := "admin", "not this quarter"
	require.NoError(t, s.DecideRequest(ctx, storage.RequestDecision{
		ID: r.ID, ExpectedUpdatedAt: r.UpdatedAt, Status: model.RequestRejected,
		ReviewerID: &reviewer, ReviewNote: &note, UpdatedAt: now(),
	}))

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestRejected, got.Status)
	require.NotNil(t, got.ReviewerID)
	assert.Equal(t, reviewer, *got.ReviewerID)
	require.NotNil(t, got.ReviewNote)
	assert.Equal(t, note, *got.ReviewNote)

	err = s.DecideRequest(ctx, storage.RequestDecision{
		ID: r.ID, ExpectedUpdatedAt: r.UpdatedAt, Status: model.RequestApproved, UpdatedAt: now(),
	})
	assert.ErrorIs(t, err, model.ErrAlreadyProcessed)

	err = s.DecideRequest(ctx, storage.RequestDecision{ID: uuid.New(), Status: model.RequestApproved})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testBudgetChangeWithDecision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, b := SeedAgent(t, s, 100_000_000)
	r := newRequest(t, s, a.ID, b.TotalAllocated, 250_000_000)

	reviewer := "admin"
	ts := now()
	next := b
	next.TotalAllocated = 250_000_000
	next.BudgetRemaining = 250_000_000
	next.Version++
	next.UpdatedAt = ts
	change := storage.BudgetChange{
		ExpectedVersion: b.Version,
		Budget:          next,
		History: model.BudgetModification{
			ID: uuid.New(), AgentID: a.ID, Type: model.ModificationIncrease,
			OldBudget: 100_000_000, NewBudget: 250_000_000, ChangeAmount: 150_000_000,
			ModifierID: reviewer, Reason: r.Justification, RelatedRequestID: &r.ID, CreatedAt: ts,
		},
		Decision: &storage.RequestDecision{
			ID: r.ID, ExpectedUpdatedAt: r.UpdatedAt, Status: model.RequestApproved,
			ReviewerID: &reviewer, UpdatedAt: ts,
		},
	}
	require.NoError(t, s.ApplyBudgetChange(ctx, change))

	// Replaying the same approval is rejected without a second history row.
	replay := change
	replay.ExpectedVersion = next.Version
	replay.Budget.Version++
	replay.History.ID = uuid.New()
	err := s.ApplyBudgetChange(ctx, replay)
	require.ErrorIs(t, err, model.ErrAlreadyProcessed)

	got, err := s.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000_000), got.TotalAllocated)
	assert.Equal(t, next.Version, got.Version)

	hist, err := s.ListHistory(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.ModificationIncrease, hist[0].Type)
	assert.Equal(t, int64(150_000_000), hist[0].ChangeAmount)
	require.NotNil(t, hist[0].RelatedRequestID)
	assert.Equal(t, r.ID, *hist[0].RelatedRequestID)

	require.NoError(t, s.DeleteRequest(ctx, r.ID))
	assert.ErrorIs(t, s.DeleteRequest(ctx, r.ID), storage.ErrNotFound)

	hist, err = s.ListHistory(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Nil(t, hist[0].RelatedRequestID)
}

func testListRequests(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, _ := SeedAgent(t, s, 100)
	other, _ := SeedAgent(t, s, 100)

	first := newRequest(t, s, a.ID, 100, 200)
	newRequest(t, s, a.ID, 100, 300)
	newRequest(t, s, other.ID, 100, 400)

	require.NoError(t, s.DecideRequest(ctx, storage.RequestDecision{
		ID: first.ID, ExpectedUpdatedAt: first.UpdatedAt, Status: model.RequestCancelled, UpdatedAt: now(),
	}))

	all, err := s.ListRequests(ctx, storage.RequestFilter{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 3)

	theirs, err := s.ListRequests(ctx, storage.RequestFilter{AgentID: &other.ID})
	require.NoError(t, err)
	assert.Len(t, theirs, 1)

	mine, err := s.ListRequests(ctx, storage.RequestFilter{AgentID: &a.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	pending := model.RequestPending
	open, err := s.ListRequests(ctx, storage.RequestFilter{AgentID: &a.ID, Status: &pending})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(300), open[0].RequestedBudget)

	page, err := s.ListRequests(ctx, storage.RequestFilter{AgentID: &a.ID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)
}
