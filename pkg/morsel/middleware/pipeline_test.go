package middleware

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// tagStage appends its tag on the way through, recording the order it ran in.
func tagStage(tag string, order *[]string, mu *sync.Mutex) Middleware {
	record := func(dir string) {
		mu.Lock()
		*order = append(*order, dir+":"+tag)
		mu.Unlock()
	}

	return Funcs{
		SendFunc: func(ctx context.Context, state *State, data []byte, next Next) error {
			record("send")
			return next(ctx, append(append([]byte{}, data...), tag...))
		},
		ReceiveFunc: func(ctx context.Context, state *State, data []byte, next Next) error {
			record("receive")
			return next(ctx, bytes.TrimSuffix(data, []byte(tag)))
		},
	}
}

func TestPipelineOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex

	p := New(tagStage("a", &order, &mu), tagStage("b", &order, &mu))
	state := NewState()

	var sent []byte
	err := p.Send(context.Background(), state, []byte("x"), func(ctx context.Context, data []byte) error {
		sent = data
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "xab", string(sent))

	var received []byte
	err = p.Receive(context.Background(), state, []byte("xab"), func(ctx context.Context, data []byte) error {
		received = data
		return nil
	})
	require.NoError(t, err)

	// Both directions walk the stages in registration order.
	assert.Equal(t, []string{"send:a", "send:b", "receive:a", "receive:b"}, order)
	// Stage a trims "a" first, which is not a suffix of "xab", so only "b" is removed.
	assert.Equal(t, "xa", string(received))
}

func TestPipelineEmpty(t *testing.T) {
	p := New()
	assert.Equal(t, 0, p.Len())

	var got []byte
	err := p.Send(context.Background(), NewState(), []byte("payload"), func(ctx context.Context, data []byte) error {
		got = data
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestStageThatSkipsNextDropsFrame(t *testing.T) {
	drop := Funcs{
		ReceiveFunc: func(ctx context.Context, state *State, data []byte, next Next) error {
			return nil
		},
	}

	reached := false
	p := New(drop)
	err := p.Receive(context.Background(), NewState(), []byte("x"), func(ctx context.Context, data []byte) error {
		reached = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, reached)

	// Send has no SendFunc, so it passes through.
	err = p.Send(context.Background(), NewState(), []byte("x"), func(ctx context.Context, data []byte) error {
		reached = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, reached)
}

func TestPipelinePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	p := New(Funcs{
		SendFunc: func(ctx context.Context, state *State, data []byte, next Next) error {
			return boom
		},
	})

	err := p.Send(context.Background(), NewState(), []byte("x"), func(ctx context.Context, data []byte) error {
		t.Fatal("final should not be reached")
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestBase64RoundTrip(t *testing.T) {
	p := New(Base64())
	state := NewState()
	payload := []byte(`{"MessageType":1,"Data":"{\"MethodName\":\"x\"}"}`)

	var wire []byte
	require.NoError(t, p.Send(context.Background(), state, payload, func(ctx context.Context, data []byte) error {
		wire = data
		return nil
	}))
	assert.NotEqual(t, payload, wire)

	var decoded []byte
	require.NoError(t, p.Receive(context.Background(), state, wire, func(ctx context.Context, data []byte) error {
		decoded = data
		return nil
	}))
	assert.Equal(t, payload, decoded)

	err := p.Receive(context.Background(), state, []byte("not base64!"), func(ctx context.Context, data []byte) error {
		return nil
	})
	assert.Error(t, err)
}

func TestRateLimitDropsInboundOnly(t *testing.T) {
	logger := zaptest.NewLogger(t)
	p := Build(RateLimitFactory(0.0001, 2, logger))
	state := NewState()
	state.SetConnectionID("c1")

	delivered := 0
	final := func(ctx context.Context, data []byte) error {
		delivered++
		return nil
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Receive(context.Background(), state, []byte("x"), final))
	}
	assert.Equal(t, 2, delivered)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Send(context.Background(), state, []byte("x"), final))
	}
	assert.Equal(t, 7, delivered)
}

func TestRateLimitFactoryBuildsIndependentBuckets(t *testing.T) {
	factory := RateLimitFactory(0.0001, 1, nil)
	a, b := New(factory()), New(factory())

	count := 0
	final := func(ctx context.Context, data []byte) error {
		count++
		return nil
	}

	require.NoError(t, a.Receive(context.Background(), NewState(), []byte("x"), final))
	require.NoError(t, b.Receive(context.Background(), NewState(), []byte("x"), final))
	assert.Equal(t, 2, count)
}

func TestLoggingPassesThrough(t *testing.T) {
	p := New(Logging(zaptest.NewLogger(t), zapcore.DebugLevel))

	var got []byte
	require.NoError(t, p.Send(context.Background(), NewState(), []byte("abc"), func(ctx context.Context, data []byte) error {
		got = data
		return nil
	}))
	assert.Equal(t, "abc", string(got))
}

func TestStateValues(t *testing.T) {
	state := NewState()
	assert.Equal(t, "", state.ConnectionID())

	state.SetConnectionID("abc")
	assert.Equal(t, "abc", state.ConnectionID())

	_, ok := state.Load("k")
	assert.False(t, ok)

	state.Store("k", 1)
	v, ok := state.Load("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	actual, loaded := state.LoadOrStore("k", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, actual)
}
