// Package portal drives the publishing portal through a browser. Publishing
// is modeled as a linear state machine; every transition is performed, then
// verified by reading the page back, before the next one starts.
package portal

// State names one confirmed screen of the publishing flow.
type State string

const (
	StateLoggedOut       State = "logged_out"
	StateLoggedIn        State = "logged_in"
	StateMetadataEntered State = "metadata_entered"
	StateFilesUploaded   State = "files_uploaded"
	StateCoverUploaded   State = "cover_uploaded"
	StateIsbnAssigned    State = "isbn_assigned"
	StateSubmitted       State = "submitted"
	StateConfirmed       State = "confirmed"

	// StateAborted is terminal: verification kept failing after the retry
	// budget and the flow cannot continue safely.
	StateAborted State = "aborted_after_retries"
)

// stateOrder is the fixed progression of the publishing flow.
var stateOrder = []State{
	StateLoggedOut,
	StateLoggedIn,
	StateMetadataEntered,
	StateFilesUploaded,
	StateCoverUploaded,
	StateIsbnAssigned,
	StateSubmitted,
	StateConfirmed,
}

// stateIndex returns a state's position in the flow, or -1 for terminal and
// unknown states.
func stateIndex(s State) int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Before reports whether s comes earlier in the flow than other. Terminal
// and unknown states come before everything.
func (s State) Before(other State) bool {
	return stateIndex(s) < stateIndex(other)
}

// ParseState maps a stored state name back to a State, defaulting to
// LoggedOut for anything unknown so a corrupt checkpoint restarts the flow
// rather than skipping screens.
func ParseState(name string) State {
	s := State(name)
	if stateIndex(s) >= 0 {
		return s
	}
	return StateLoggedOut
}
