// Package websockets implements a MorseL connection: one side of a
// persistent WebSocket over which both peers invoke each other's methods.
//
// A Connection owns one reader goroutine and one writer goroutine. The reader
// only reads frames, runs them through the inbound middleware pipeline,
// decodes them and routes them: results complete pending calls, and calls are
// dispatched to their handlers on separate goroutines, so a slow handler never
// delays the results its own outbound calls are waiting for. All writes go
// through the writer, so frames never interleave on the socket.
//
// The client and server packages build Connections for each side.
package websockets
