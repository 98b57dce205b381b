package agent

import "fmt"

// ValidationError marks a malformed candidate definition. The batch records
// it and moves on; it is never fatal.
type ValidationError struct {
	AgentID string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent '%s' failed validation: %s", e.AgentID, e.Reason)
}

// RegistrationError marks a handler-creation failure that survived the retry
// budget.
type RegistrationError struct {
	AgentID  string
	Attempts int
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("agent '%s' failed registration after %d attempts: %v", e.AgentID, e.Attempts, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an unknown or not-yet-registered agent id.
type NotFoundError struct {
	AgentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent '%s' not found", e.AgentID)
}

// ConflictError reports an unresolved role or pack conflict. Both competing
// ids are carried so the caller can prompt for an explicit override.
type ConflictError struct {
	AgentID     string
	IncumbentID string
	Reason      string
}

func (e *ConflictError) Error() string {
	if e.IncumbentID != "" {
		return fmt.Sprintf("agent '%s' conflicts with active agent '%s': %s", e.AgentID, e.IncumbentID, e.Reason)
	}
	return fmt.Sprintf("agent '%s' conflict: %s", e.AgentID, e.Reason)
}

// CapacityError reports that the activation ceiling is reached. The caller
// must free capacity before retrying.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("active session ceiling reached (%d)", e.Limit)
}
