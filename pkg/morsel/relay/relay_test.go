package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"github.com/tsarna/morsel/pkg/morsel/websockets/client"
	"github.com/tsarna/morsel/pkg/morsel/websockets/server"
	"go.uber.org/zap/zaptest"
)

type delivery struct {
	Group   string
	From    string
	Payload string
}

type peer struct {
	client *client.Client

	mu       sync.Mutex
	received []delivery
}

func (p *peer) receive(ctx context.Context, args morsel.Arguments) (any, error) {
	var d delivery
	var payload json.RawMessage
	if err := args.BindAll(&d.Group, &d.From, &payload); err != nil {
		return nil, err
	}
	d.Payload = string(payload)

	p.mu.Lock()
	p.received = append(p.received, d)
	p.mu.Unlock()
	return nil, nil
}

func (p *peer) deliveries() []delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivery(nil), p.received...)
}

func (p *peer) call(t *testing.T, method string, args ...any) json.RawMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := p.client.Invoke(ctx, method, args...)
	require.NoError(t, err)
	result, err := call.Wait(ctx)
	require.NoError(t, err)
	return result
}

func startRelay(t *testing.T) string {
	t.Helper()

	logger := zaptest.NewLogger(t)
	listener, err := server.NewListenerConfig().
		WithLogger(logger).
		WithBackplane(backplane.New(logger)).
		WithMethods(Methods()).
		WithPingInterval(0).
		Build()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(listener.ServeWebsocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = listener.Shutdown(ctx)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url string) *peer {
	t.Helper()

	p := &peer{}
	c, err := client.NewClient().
		WithURL(url).
		WithLogger(zaptest.NewLogger(t)).
		WithPingInterval(0).
		WithMethods(morsel.NewMethodTable().Register(ReceiveMethod, 3, p.receive)).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })

	p.client = c
	return p
}

func TestMethods(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{"Echo", "ConnectionId", "Join", "Leave", "Publish", "Broadcast", "Whisper"},
		Methods().Names())
}

func TestMethodsNeedAHub(t *testing.T) {
	reg, ok := Methods().Lookup("Join")
	require.True(t, ok)

	args, err := morsel.MarshalArguments("room")
	require.NoError(t, err)
	_, err = reg.Handler(context.Background(), args)
	assert.ErrorIs(t, err, ErrNoHub)
}

func TestEchoAndConnectionID(t *testing.T) {
	url := startRelay(t)
	p := connect(t, url)

	assert.JSONEq(t, `{"a":[1,2,3]}`, string(p.call(t, "Echo", map[string]any{"a": []int{1, 2, 3}})))

	var id string
	require.NoError(t, json.Unmarshal(p.call(t, "ConnectionId"), &id))
	assert.Equal(t, p.client.ConnectionID(), id)
}

func TestPublishReachesOnlyGroupMembers(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url)
	bob := connect(t, url)
	carol := connect(t, url)

	alice.call(t, "Join", "room")
	bob.call(t, "Join", "room")

	carol.call(t, "Publish", "room", map[string]string{"text": "hi"})

	for _, p := range []*peer{alice, bob} {
		require.Eventually(t, func() bool { return len(p.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
		d := p.deliveries()[0]
		assert.Equal(t, "room", d.Group)
		assert.Equal(t, carol.client.ConnectionID(), d.From)
		assert.JSONEq(t, `{"text":"hi"}`, d.Payload)
	}

	// After leaving, bob is no longer addressed.
	bob.call(t, "Leave", "room")
	carol.call(t, "Publish", "room", "again")
	require.Eventually(t, func() bool { return len(alice.deliveries()) == 2 }, 2*time.Second, 10*time.Millisecond)

	// carol was never in the room; bob got the first message only.
	carol.call(t, "Broadcast", "marker")
	require.Eventually(t, func() bool { return len(bob.deliveries()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `"marker"`, bob.deliveries()[1].Payload)
	require.Eventually(t, func() bool { return len(carol.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `"marker"`, carol.deliveries()[0].Payload)
}

func TestJoinRejectsEmptyGroup(t *testing.T) {
	url := startRelay(t)
	p := connect(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := p.client.Invoke(ctx, "Join", "")
	require.NoError(t, err)
	_, err = call.Wait(ctx)
	assert.EqualError(t, err, "group name must not be empty")
}

func TestWhisper(t *testing.T) {
	url := startRelay(t)
	alice := connect(t, url)
	bob := connect(t, url)

	alice.call(t, "Whisper", bob.client.ConnectionID(), 42)

	require.Eventually(t, func() bool { return len(bob.deliveries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, delivery{Group: "", From: alice.client.ConnectionID(), Payload: "42"}, bob.deliveries()[0])
	assert.Empty(t, alice.deliveries())
}
