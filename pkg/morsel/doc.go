// Package morsel defines the wire model of the MorseL protocol: the message
// envelope, the invocation descriptor carried inside it, the per-connection
// method table and the error kinds shared by clients and servers.
//
// The transport lives in the websockets package, the transform chain in the
// middleware package and group/broadcast fan-out in the backplane package.
package morsel
