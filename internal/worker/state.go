package worker

import "fmt"

// StateType is the lifecycle phase of a worker-backed service
type StateType int

const (
	Stopped StateType = iota
	Starting
	Running
	Stopping
)

// String returns the upper-case name of the state
func (t StateType) String() string {
	switch t {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// ServiceState describes the health of a service.
// Err persists across lifecycle transitions until it is explicitly cleared or replaced,
// so an observer can still see the failure while the service is STOPPING or STOPPED.
type ServiceState struct {
	Type    StateType
	Message string
	Err     error
}

// StateInfo is the JSON-friendly form of a ServiceState
type StateInfo struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// HasError reports whether the state carries an error
func (s ServiceState) HasError() bool {
	return s.Err != nil
}

// Info converts the state into its JSON form
func (s ServiceState) Info(name string) StateInfo {
	info := StateInfo{
		Name:    name,
		State:   s.Type.String(),
		Message: s.Message,
	}
	if s.Err != nil {
		info.Error = s.Err.Error()
	}
	return info
}

// String returns a human-readable representation of the state
func (s ServiceState) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %s (error: %v)", s.Type, s.Message, s.Err)
	}
	return fmt.Sprintf("%s: %s", s.Type, s.Message)
}
