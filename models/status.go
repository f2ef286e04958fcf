package models

// ConnectivityStatus tracks the advertising or discovery role of the local device.
type ConnectivityStatus int

const (
	StatusInactive ConnectivityStatus = iota
	StatusPending
	StatusActive
)

func (s ConnectivityStatus) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}
