package server

// Metrics receives session lifecycle events. internal/metrics provides a
// Prometheus-backed implementation; nil is a valid *Server field and
// every call site checks for it, so metrics stay fully optional.
type Metrics interface {
	ClientRegistered()
	SessionStarted()
	SessionEnded()
	MessageRelayed()
	PushQueueDepth(clientCount int, depth int)
}
