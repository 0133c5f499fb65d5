package session

import "errors"

var (
	// ErrNotConnected is returned by commands that require an
	// established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrNotAuthenticated is returned by roster and profile commands
	// issued before login.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRegistrationUnsupported is reported when the server offers no
	// in-band account creation.
	ErrRegistrationUnsupported = errors.New("server does not support in-band registration")

	// ErrContactNotFound is returned when a removal targets an address
	// that is not in the roster. It is informational, not fatal.
	ErrContactNotFound = errors.New("contact not found in roster")
)
