package sync

import "time"

// WatchState is the lifecycle state of one account's watcher.
type WatchState int

const (
	StateDisconnected WatchState = iota
	StateConnecting
	StateAuthenticated
	StateIdling
	StateFetching
	StateDelivering
	StateTerminated
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateAuthenticated: "authenticated",
	StateIdling:        "idling",
	StateFetching:      "fetching",
	StateDelivering:    "delivering",
	StateTerminated:    "terminated",
}

func (s WatchState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON status output.
func (s WatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateNames lists every state name, for the one-hot state gauge.
func StateNames() []string {
	names := make([]string, len(stateNames))
	copy(names, stateNames[:])
	return names
}

// WatchStatus holds the reported state of a single account.
type WatchStatus struct {
	AccountID string     `json:"account_id"`
	State     WatchState `json:"state"`
	LastUID   uint32     `json:"last_uid"`
	LastCycle time.Time  `json:"last_cycle,omitzero"`
	LastError string     `json:"last_error,omitempty"`
	Forwarded int        `json:"forwarded"`
}
