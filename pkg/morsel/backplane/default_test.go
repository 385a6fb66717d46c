package backplane

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/o11y"
	"go.uber.org/zap/zaptest"
)

// recorder collects delivery events.
type recorder struct {
	mu         sync.Mutex
	deliveries map[string][]morsel.Envelope
}

func newRecorder() *recorder {
	return &recorder{deliveries: make(map[string][]morsel.Envelope)}
}

func (r *recorder) handle(ctx context.Context, connectionID string, msg morsel.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[connectionID] = append(r.deliveries[connectionID], msg)
	return nil
}

func (r *recorder) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.deliveries))
	for id := range r.deliveries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries[id])
}

func newTestBackplane(t *testing.T) *DefaultBackplane {
	bp, err := NewBackplane().WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	return bp
}

func openAll(t *testing.T, bp Backplane, ids ...string) {
	for _, id := range ids {
		require.NoError(t, bp.ConnectionOpened(context.Background(), id))
	}
}

func TestBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		bp, err := NewBackplane().Build()
		require.NoError(t, err)
		assert.Equal(t, "default", bp.name)
		assert.Nil(t, bp.metrics)
	})

	t.Run("empty name is invalid", func(t *testing.T) {
		_, err := NewBackplane().WithName("").Build()
		assert.Error(t, err)
	})

	t.Run("metrics provider", func(t *testing.T) {
		provider := o11y.NewStandaloneMetricsProvider(nil)
		bp, err := NewBackplane().WithMetrics(provider).Build()
		require.NoError(t, err)
		require.NoError(t, bp.ConnectionOpened(context.Background(), "a"))
		require.NoError(t, bp.ConnectionOpened(context.Background(), "b"))
		require.NoError(t, bp.Subscribe(context.Background(), "g", "a"))

		bp.OnMessage(func(ctx context.Context, id string, msg morsel.Envelope) error { return nil })
		require.NoError(t, bp.SendToAll(context.Background(), morsel.NewTextMessage("hi")))

		snap := provider.Snapshot()
		assert.Equal(t, float64(2), snap.Gauges["backplane_active_connections"])
		assert.Equal(t, float64(1), snap.Gauges["backplane_active_groups"])
		assert.Equal(t, int64(2), snap.Counters["backplane_deliveries_total"])
		assert.Equal(t, int64(1), snap.Counters["backplane_membership_operations_total"])
	})
}

func TestConnectionOpenedIsIdempotent(t *testing.T) {
	bp := newTestBackplane(t)
	openAll(t, bp, "a", "a", "b")
	assert.Equal(t, []string{"a", "b"}, bp.Connections())

	assert.Error(t, bp.ConnectionOpened(context.Background(), ""))
}

func TestSubscribeMaintainsBothIndexes(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b")

	require.NoError(t, bp.Subscribe(ctx, "g1", "a"))
	require.NoError(t, bp.Subscribe(ctx, "g1", "b"))
	require.NoError(t, bp.Subscribe(ctx, "g2", "a"))

	assert.Equal(t, []string{"g1", "g2"}, bp.Groups())
	assert.Equal(t, []string{"a", "b"}, bp.Members("g1"))
	assert.Equal(t, []string{"g1", "g2"}, bp.Subscriptions("a"))
	assert.Equal(t, []string{"g1"}, bp.Subscriptions("b"))
	assert.True(t, bp.registry.checkSymmetry())

	assert.Error(t, bp.Subscribe(ctx, "", "a"))
	assert.Error(t, bp.Subscribe(ctx, "g", ""))
}

func TestUnsubscribeRemovesEmptyEntries(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b")

	require.NoError(t, bp.Subscribe(ctx, "g", "a"))
	require.NoError(t, bp.Subscribe(ctx, "g", "b"))

	require.NoError(t, bp.Unsubscribe(ctx, "g", "a"))
	assert.Equal(t, []string{"b"}, bp.Members("g"))
	assert.Empty(t, bp.Subscriptions("a"))
	_, indexed := bp.registry.subscriptions["a"]
	assert.False(t, indexed)

	require.NoError(t, bp.Unsubscribe(ctx, "g", "b"))
	assert.Empty(t, bp.Groups())
	assert.True(t, bp.registry.checkSymmetry())
}

func TestUnsubscribeIsNoOpForNonMembers(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b")
	require.NoError(t, bp.Subscribe(ctx, "g", "a"))

	assert.NoError(t, bp.Unsubscribe(ctx, "missing", "a"))
	assert.NoError(t, bp.Unsubscribe(ctx, "g", "b"))
	assert.NoError(t, bp.Unsubscribe(ctx, "g", "nobody"))

	assert.Equal(t, []string{"a"}, bp.Members("g"))
	assert.Equal(t, []string{"g"}, bp.Subscriptions("a"))
	assert.Empty(t, bp.Subscriptions("b"))
	assert.True(t, bp.registry.checkSymmetry())
}

func TestConnectionClosedCascades(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b")

	require.NoError(t, bp.Subscribe(ctx, "solo", "a"))
	require.NoError(t, bp.Subscribe(ctx, "shared", "a"))
	require.NoError(t, bp.Subscribe(ctx, "shared", "b"))

	require.NoError(t, bp.ConnectionClosed(ctx, "a"))

	assert.Equal(t, []string{"b"}, bp.Connections())
	assert.Equal(t, []string{"shared"}, bp.Groups())
	assert.Equal(t, []string{"b"}, bp.Members("shared"))
	assert.Empty(t, bp.Subscriptions("a"))
	assert.True(t, bp.registry.checkSymmetry())

	// Closing an unknown connection is harmless.
	assert.NoError(t, bp.ConnectionClosed(ctx, "ghost"))
}

func TestSubscribeAfterCloseIsIgnored(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "x")

	require.NoError(t, bp.ConnectionClosed(ctx, "x"))
	require.NoError(t, bp.Subscribe(ctx, "g", "x"))
	require.NoError(t, bp.Subscribe(ctx, "g", "never-opened"))

	assert.Empty(t, bp.Groups())
	assert.Empty(t, bp.Members("g"))
	assert.Empty(t, bp.Subscriptions("x"))
	assert.True(t, bp.registry.checkSymmetry())

	rec := newRecorder()
	bp.OnMessage(rec.handle)
	require.NoError(t, bp.SendToGroup(ctx, "g", morsel.NewTextMessage("late")))
	assert.Empty(t, rec.targets())
}

func TestSubscribeRacingCloseLeavesNoGroups(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		id := fmt.Sprintf("c%d", round)
		require.NoError(t, bp.ConnectionOpened(ctx, id))

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					_ = bp.Subscribe(ctx, fmt.Sprintf("g%d", (w+i)%3), id)
				}
			}(w)
		}
		require.NoError(t, bp.ConnectionClosed(ctx, id))
		wg.Wait()

		require.Empty(t, bp.Groups(), "round %d", round)
		require.Empty(t, bp.Subscriptions(id), "round %d", round)
		require.True(t, bp.registry.checkSymmetry(), "round %d", round)
	}
}

func TestSubscribeAllAndUnsubscribeAll(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b", "c")

	require.NoError(t, bp.SubscribeAll(ctx, "everyone"))
	assert.Equal(t, []string{"a", "b", "c"}, bp.Members("everyone"))

	require.NoError(t, bp.UnsubscribeAll(ctx, "everyone"))
	assert.Empty(t, bp.Groups())
	assert.Empty(t, bp.Subscriptions("a"))
	assert.True(t, bp.registry.checkSymmetry())
}

func TestGroupInvariantUnderRandomOperations(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	ids := []string{"c0", "c1", "c2", "c3", "c4"}
	groups := []string{"g0", "g1", "g2"}
	openAll(t, bp, ids...)

	model := make(map[string]map[string]bool)

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		group := groups[rng.Intn(len(groups))]

		switch rng.Intn(5) {
		case 0, 1:
			require.NoError(t, bp.Subscribe(ctx, group, id))
			if model[group] == nil {
				model[group] = make(map[string]bool)
			}
			model[group][id] = true
		case 2, 3:
			require.NoError(t, bp.Unsubscribe(ctx, group, id))
			delete(model[group], id)
			if len(model[group]) == 0 {
				delete(model, group)
			}
		case 4:
			require.NoError(t, bp.ConnectionClosed(ctx, id))
			for g := range model {
				delete(model[g], id)
				if len(model[g]) == 0 {
					delete(model, g)
				}
			}
			require.NoError(t, bp.ConnectionOpened(ctx, id))
		}

		require.True(t, bp.registry.checkSymmetry(), "symmetry broken after step %d", i)

		expectedGroups := make([]string, 0, len(model))
		for g := range model {
			expectedGroups = append(expectedGroups, g)
		}
		sort.Strings(expectedGroups)
		require.Equal(t, expectedGroups, bp.Groups(), "step %d", i)
	}
}

func TestConcurrentMembershipKeepsSymmetry(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", w)
			_ = bp.ConnectionOpened(ctx, id)
			for i := 0; i < 200; i++ {
				group := fmt.Sprintf("g%d", i%4)
				_ = bp.Subscribe(ctx, group, id)
				if i%3 == 0 {
					_ = bp.Unsubscribe(ctx, group, id)
				}
			}
			_ = bp.ConnectionClosed(ctx, id)
		}(w)
	}
	wg.Wait()

	assert.True(t, bp.registry.checkSymmetry())
	assert.Empty(t, bp.Groups())
	assert.Empty(t, bp.Connections())
}

func TestSendToGroupDeliversToMembersOnly(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b", "c")
	require.NoError(t, bp.Subscribe(ctx, "g", "a"))
	require.NoError(t, bp.Subscribe(ctx, "g", "c"))

	rec := newRecorder()
	bp.OnMessage(rec.handle)

	msg := morsel.NewTextMessage("hello group")
	require.NoError(t, bp.SendToGroup(ctx, "g", msg))

	assert.Equal(t, []string{"a", "c"}, rec.targets())
	assert.Equal(t, 1, rec.count("a"))
	assert.Equal(t, msg, rec.deliveries["a"][0])
}

func TestSendToAllDeliversToEveryConnection(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b", "c")
	require.NoError(t, bp.ConnectionClosed(ctx, "b"))

	rec := newRecorder()
	bp.OnMessage(rec.handle)

	require.NoError(t, bp.SendToAll(ctx, morsel.NewTextMessage("hi")))
	assert.Equal(t, []string{"a", "c"}, rec.targets())
}

func TestSendsToUnknownTargetsAreSilent(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a")

	rec := newRecorder()
	bp.OnMessage(rec.handle)

	assert.NoError(t, bp.SendToGroup(ctx, "empty", morsel.NewTextMessage("x")))
	assert.NoError(t, bp.SendToConnection(ctx, "ghost", morsel.NewTextMessage("x")))
	assert.Empty(t, rec.targets())

	assert.NoError(t, bp.SendToConnection(ctx, "a", morsel.NewTextMessage("x")))
	assert.Equal(t, []string{"a"}, rec.targets())
}

func TestDeliveryHandlerErrorsDoNotStopFanOut(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b")

	bp.OnMessage(func(ctx context.Context, id string, msg morsel.Envelope) error {
		return errors.New("socket gone")
	})
	rec := newRecorder()
	bp.OnMessage(rec.handle)

	require.NoError(t, bp.SendToAll(ctx, morsel.NewTextMessage("x")))
	assert.Equal(t, []string{"a", "b"}, rec.targets())
}

func TestOnMessageUnregister(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a")

	rec := newRecorder()
	unregister := bp.OnMessage(rec.handle)
	require.NoError(t, bp.SendToAll(ctx, morsel.NewTextMessage("1")))
	unregister()
	require.NoError(t, bp.SendToAll(ctx, morsel.NewTextMessage("2")))

	assert.Equal(t, 1, rec.count("a"))
}

func TestHandlerMayCallBackIntoBackplane(t *testing.T) {
	bp := newTestBackplane(t)
	ctx := context.Background()
	openAll(t, bp, "a", "b")
	require.NoError(t, bp.Subscribe(ctx, "g", "a"))

	bp.OnMessage(func(ctx context.Context, id string, msg morsel.Envelope) error {
		return bp.Unsubscribe(ctx, "g", id)
	})

	require.NoError(t, bp.SendToGroup(ctx, "g", morsel.NewTextMessage("leave")))
	assert.Empty(t, bp.Groups())
}
