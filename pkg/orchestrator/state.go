package orchestrator

// State is the stage an orchestration reached
type State int

const (
	NoProxy State = iota
	ProxyAssigned
	SessionRestoring
	SessionValid
	SessionInvalid
	ReloggedIn
	LoginFailed
)

var stateNames = [...]string{
	NoProxy:          "NoProxy",
	ProxyAssigned:    "ProxyAssigned",
	SessionRestoring: "SessionRestoring",
	SessionValid:     "SessionValid",
	SessionInvalid:   "SessionInvalid",
	ReloggedIn:       "ReloggedIn",
	LoginFailed:      "LoginFailed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends an orchestration with a usable client
func (s State) Terminal() bool {
	return s == SessionValid || s == ReloggedIn
}
