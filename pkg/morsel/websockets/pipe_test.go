package websockets

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/morsel/pkg/morsel"
)

// pipeSocket is one end of an in-memory frame pipe. Closing either end closes both.
type pipeSocket struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (*pipeSocket, *pipeSocket) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}

	return &pipeSocket{in: ba, out: ab, closed: closed, once: once},
		&pipeSocket{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	default:
	}

	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "pipe closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeSocket) Write(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "pipe closed"}
	default:
	}

	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "pipe closed"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeSocket) Ping(ctx context.Context) error {
	select {
	case <-p.closed:
		return websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "pipe closed"}
	default:
		return nil
	}
}

func (p *pipeSocket) Close(code websocket.StatusCode, reason string) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// readEnvelope reads the next frame written by the connection on the other end.
func readEnvelope(t *testing.T, p *pipeSocket) morsel.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := p.Read(ctx)
	require.NoError(t, err)

	env, err := morsel.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, p *pipeSocket, env morsel.Envelope) {
	t.Helper()

	data, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, p.Write(context.Background(), data))
}

func writeDescriptor(t *testing.T, p *pipeSocket, desc *morsel.InvocationDescriptor) {
	t.Helper()

	env, err := morsel.NewInvocationMessage(desc)
	require.NoError(t, err)
	writeEnvelope(t, p, env)
}
