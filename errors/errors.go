package errors

import "fmt"

// EngineError is the standardized error shape shared by the engine and
// the auth collaborator's HTTP surface.
type EngineError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Err         error  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	// AuthFailed covers wrong passwords and network failures during
	// validation. Recoverable: the user may retry while the revalidation
	// window is open.
	AuthFailed = "auth_failed"
	// InvalidPassword is the auth collaborator's rejection of the
	// submitted resource password.
	InvalidPassword = "invalid_password"
	// UnknownResource means the collaborator has no policy for the
	// requested resource.
	UnknownResource = "unknown_resource"
	// RecordCorrupt marks an unparsable stored session record. Treated
	// identically to an absent record.
	RecordCorrupt = "record_corrupt"
	// TeardownStepFailed marks one failed purge step. Remaining steps are
	// still attempted.
	TeardownStepFailed = "teardown_step_failed"
	// ChannelUnavailable means the broadcast primitive could not be
	// opened. The engine degrades to tick-only convergence.
	ChannelUnavailable = "channel_unavailable"
	// ServerError is the collaborator's internal failure.
	ServerError = "server_error"
)

// Common error constructors

func NewAuthError(description string, err error) *EngineError {
	return &EngineError{
		Code:        AuthFailed,
		Description: description,
		Err:         err,
	}
}

func NewInvalidPassword() *EngineError {
	return &EngineError{
		Code:        InvalidPassword,
		Description: "The resource password is incorrect",
	}
}

func NewUnknownResource(resourceID string) *EngineError {
	return &EngineError{
		Code:        UnknownResource,
		Description: fmt.Sprintf("No such resource: %s", resourceID),
	}
}

func NewRecordCorrupt(resourceID string, err error) *EngineError {
	return &EngineError{
		Code:        RecordCorrupt,
		Description: fmt.Sprintf("Stored session record for %s is unparsable", resourceID),
		Err:         err,
	}
}

func NewTeardownStepFailed(step string, err error) *EngineError {
	return &EngineError{
		Code:        TeardownStepFailed,
		Description: fmt.Sprintf("Teardown step %q failed", step),
		Err:         err,
	}
}

func NewChannelUnavailable(err error) *EngineError {
	return &EngineError{
		Code:        ChannelUnavailable,
		Description: "Broadcast channel could not be opened",
		Err:         err,
	}
}

func NewServerError(description string) *EngineError {
	return &EngineError{
		Code:        ServerError,
		Description: description,
	}
}

// IsCode reports whether err is an EngineError carrying the given code.
func IsCode(err error, code string) bool {
	e, ok := err.(*EngineError)
	return ok && e.Code == code
}

// IsAuthError reports whether err is recoverable by retrying the password
// within the revalidation window.
func IsAuthError(err error) bool {
	return IsCode(err, AuthFailed) || IsCode(err, InvalidPassword)
}
