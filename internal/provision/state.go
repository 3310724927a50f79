package provision

// State is a step of the negotiation.
type State int

const (
	Start State = iota
	PoliciesRequested
	Supportable
	PartiallySupportable
	Unsupportable
	Acknowledged
	Active
	RemoteWiped
	Done
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case PoliciesRequested:
		return "PoliciesRequested"
	case Supportable:
		return "Supportable"
	case PartiallySupportable:
		return "PartiallySupportable"
	case Unsupportable:
		return "Unsupportable"
	case Acknowledged:
		return "Acknowledged"
	case Active:
		return "Active"
	case RemoteWiped:
		return "RemoteWiped"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}
