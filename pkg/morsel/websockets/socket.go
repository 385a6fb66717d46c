package websockets

import (
	"context"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// Socket is the frame transport under a Connection. Read and Write move
// whole frames; implementations must allow one concurrent reader and one
// concurrent writer.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// DefaultReadLimit is the largest inbound frame accepted, in bytes.
const DefaultReadLimit int64 = 1 << 20

type wsSocket struct {
	conn *websocket.Conn
}

// NewSocket adapts a coder/websocket connection. A readLimit of zero or less
// keeps DefaultReadLimit.
func NewSocket(conn *websocket.Conn, readLimit int64) Socket {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	return &wsSocket{conn: conn}
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

// Write sends text frames, falling back to binary when a middleware stage
// produced bytes that are not valid UTF-8.
func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	typ := websocket.MessageText
	if !utf8.Valid(data) {
		typ = websocket.MessageBinary
	}
	return s.conn.Write(ctx, typ, data)
}

func (s *wsSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
