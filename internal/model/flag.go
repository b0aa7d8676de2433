package model

// ClassificationFlag is the tri-state outcome governing downstream routing.
type ClassificationFlag string

const (
	FlagGreen  ClassificationFlag = "green"
	FlagYellow ClassificationFlag = "yellow"
	FlagRed    ClassificationFlag = "red"
)

// RouteAction is the downstream routing a flag implies.
type RouteAction string

const (
	// ActionEloquaBuilder dispatches to both the CRM sync and the site
	// provisioning system.
	ActionEloquaBuilder RouteAction = "eloqua+builder"
	// ActionEloquaOnly dispatches to the CRM sync only.
	ActionEloquaOnly RouteAction = "eloqua_only"
	// ActionBlock routes nowhere; the submission is terminal.
	ActionBlock RouteAction = "block"
)

// Action returns the routing action for the flag.
func (f ClassificationFlag) Action() RouteAction {
	switch f {
	case FlagGreen:
		return ActionEloquaBuilder
	case FlagYellow:
		return ActionEloquaOnly
	default:
		return ActionBlock
	}
}

// StricterThan reports whether f is a stricter verdict than other.
// Red > Yellow > Green; re-evaluation may only move toward stricter or
// equal flags.
func (f ClassificationFlag) StricterThan(other ClassificationFlag) bool {
	return f.rank() > other.rank()
}

func (f ClassificationFlag) rank() int {
	switch f {
	case FlagRed:
		return 2
	case FlagYellow:
		return 1
	case FlagGreen:
		return 0
	default:
		return -1
	}
}
