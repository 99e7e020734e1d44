package testutil

import "time"

// ServiceCall records a service call for verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// StateWrite records a POST to /api/states
type StateWrite struct {
	Timestamp  time.Time
	EntityID   string
	State      string
	Attributes map[string]interface{}
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FilterStateWrites returns the writes to entityID in order
func FilterStateWrites(writes []StateWrite, entityID string) []StateWrite {
	var filtered []StateWrite
	for _, w := range writes {
		if w.EntityID == entityID {
			filtered = append(filtered, w)
		}
	}
	return filtered
}
