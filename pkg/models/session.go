package models

// SessionState is the lifecycle state of a worker session.
type SessionState string

const (
	SessionReady    SessionState = "ready"
	SessionRunning  SessionState = "running"
	SessionFinished SessionState = "finished"
	SessionKilled   SessionState = "killed"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	return s == SessionFinished || s == SessionKilled
}
