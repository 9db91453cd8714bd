package search

// State is a step of the traversal state machine.
type State uint8

const (
	StateStart State = iota
	StateFetchEntries
	StateFetchChainLevel
	StateProgressCheck
	StateDone
)

var stateNames = [...]string{"START", "FETCH_ENTRIES", "FETCH_CHAIN_LEVEL", "PROGRESS_CHECK", "DONE"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
