package worker

// State is the lifecycle state of one upstream connection.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateInitialized
	StateProcessing
	StateEOSReceived
	StateCancelling
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnected:
		return "CONNECTED"
	case StateInitialized:
		return "INITIALIZED"
	case StateProcessing:
		return "PROCESSING"
	case StateEOSReceived:
		return "EOS_RECEIVED"
	case StateCancelling:
		return "CANCELLING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// silenceWatched reports whether the silence supervisor runs in s.
func (s State) silenceWatched() bool {
	switch s {
	case StateConnected, StateInitialized, StateProcessing, StateEOSReceived:
		return true
	}
	return false
}

// frontendWatched reports whether the frontend supervisor runs in s.
func (s State) frontendWatched() bool {
	switch s {
	case StateConnected, StateInitialized, StateProcessing:
		return true
	}
	return false
}

// acceptsInput reports whether messages from the master are handled in s.
func (s State) acceptsInput() bool {
	switch s {
	case StateEOSReceived, StateCancelling, StateFinished:
		return false
	}
	return true
}

// sendsResults reports whether transcripts may still be sent in s.
func (s State) sendsResults() bool {
	switch s {
	case StateInitialized, StateProcessing, StateEOSReceived:
		return true
	}
	return false
}
