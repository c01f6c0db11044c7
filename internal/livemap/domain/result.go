package domain

// LocationResult is the outcome of one acquisition attempt. The concrete types
// are Success, Failure, PermissionDenied, Timeout and LocationDisabled.
type LocationResult interface {
	locationResult()
}

// Success carries the acquired position.
type Success struct {
	Position Position
}

// Failure is a transient platform error; retrying may succeed.
type Failure struct {
	Message string
}

// PermissionDenied means the user declined location access.
type PermissionDenied struct{}

// Timeout means no fix arrived within the configured window.
type Timeout struct{}

// LocationDisabled means location services are off at the OS level.
type LocationDisabled struct{}

func (Success) locationResult()          {}
func (Failure) locationResult()          {}
func (PermissionDenied) locationResult() {}
func (Timeout) locationResult()          {}
func (LocationDisabled) locationResult() {}

// ResultLabel names a result for logs and metric labels.
func ResultLabel(r LocationResult) string {
	switch r.(type) {
	case Success:
		return "success"
	case Failure:
		return "error"
	case PermissionDenied:
		return "permission_denied"
	case Timeout:
		return "timeout"
	case LocationDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
