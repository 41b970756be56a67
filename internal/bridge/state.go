package bridge

// State is the engine's position in the device lifecycle
type State int

const (
	StateStarting State = iota
	StateAwaitingDevice
	StateConfiguring
	StateBridging
	StateDisconnected
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAwaitingDevice:
		return "awaiting_device"
	case StateConfiguring:
		return "configuring"
	case StateBridging:
		return "bridging"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the engine has finished
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

// Observer is notified of every state transition
type Observer func(from, to State)
