package locator

import "errors"

var (
	// ErrNotRunning is the outcome of a search that timed out without a match.
	ErrNotRunning = errors.New("no such application running")

	// ErrShutdown is reported by a search aborted through Locator.Shutdown.
	ErrShutdown = errors.New("search aborted by shutdown")
)

// ConfigurationError marks an environment problem that retrying will not fix:
// accessibility support disabled, a desktop count other than one, or an
// empty desktop.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
