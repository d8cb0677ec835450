package scmapi

import "time"

const (
	acceptPlainText = "text/plain"
	acceptAny       = "*/*"
)

// DiffAcceptMode records which Accept header a server answers diffs for.
type DiffAcceptMode string

const (
	// DiffAcceptUnknown is the initial mode before the first diff fetch.
	DiffAcceptUnknown DiffAcceptMode = "unknown"
	// DiffAcceptPlain means text/plain requests return parseable diffs.
	DiffAcceptPlain DiffAcceptMode = "plain"
	// DiffAcceptWildcard means only */* requests return parseable diffs.
	DiffAcceptWildcard DiffAcceptMode = "wildcard"
	// DiffAcceptFailing means recent fetches returned nothing parseable.
	DiffAcceptFailing DiffAcceptMode = "failing"
)

// DiffAcceptState tracks diff negotiation outcomes for one server.
type DiffAcceptState struct {
	Mode                DiffAcceptMode
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastObservedAt      time.Time
}

// DiffAcceptEvent is the outcome of one diff fetch attempt.
type DiffAcceptEvent struct {
	ObservedAt time.Time
	Accept     string
	Status     EndpointStatus
	Parsed     bool
}

// DiffAcceptStateMachine configures transition rules.
type DiffAcceptStateMachine struct {
	// FailureThreshold is the number of consecutive unparsed diffs before Failing.
	FailureThreshold int
}

// Apply applies an event to a previous state and returns a new state.
func (m DiffAcceptStateMachine) Apply(previous DiffAcceptState, event DiffAcceptEvent) DiffAcceptState {
	next := previous
	next.LastObservedAt = event.ObservedAt
	if next.Mode == "" {
		next.Mode = DiffAcceptUnknown
	}

	if event.Status == EndpointStatusOK && event.Parsed {
		next.ConsecutiveFailures = 0
		next.LastSuccessAt = event.ObservedAt
		if event.Accept == acceptPlainText {
			next.Mode = DiffAcceptPlain
		} else {
			next.Mode = DiffAcceptWildcard
		}
		return next
	}

	next.ConsecutiveFailures++
	if m.FailureThreshold > 0 && next.ConsecutiveFailures >= m.FailureThreshold {
		next.Mode = DiffAcceptFailing
	}
	return next
}

// AcceptOrder returns the Accept headers to try, best first.
func (s DiffAcceptState) AcceptOrder() []string {
	if s.Mode == DiffAcceptWildcard {
		return []string{acceptAny, acceptPlainText}
	}
	return []string{acceptPlainText, acceptAny}
}
