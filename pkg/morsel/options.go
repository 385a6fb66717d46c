package morsel

// Options selects strict or lenient handling of protocol problems on one side
// of a connection. The zero value is fully lenient.
type Options struct {
	// StrictMissingMethod additionally reports calls to unregistered methods
	// to the local error observers. The caller always gets an error result.
	StrictMissingMethod bool

	// StrictInvalidMessage tears the connection down on a malformed frame
	// instead of dropping it with a warning.
	StrictInvalidMessage bool

	// StrictHandlerFault additionally reports handler errors to the local
	// error observers. The caller always gets an error result.
	StrictHandlerFault bool

	// StrictRemoteFault reports fault notices sent by the peer for
	// fire-and-forget calls, which are otherwise discarded.
	StrictRemoteFault bool
}

// StrictOptions returns Options with every strict flag set.
func StrictOptions() Options {
	return Options{
		StrictMissingMethod:  true,
		StrictInvalidMessage: true,
		StrictHandlerFault:   true,
		StrictRemoteFault:    true,
	}
}
