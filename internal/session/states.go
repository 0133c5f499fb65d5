package session

// ConnectionState tracks the network connection axis.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// LoginState tracks the authentication axis. LoggedIn implies
// Connected.
type LoginState int

const (
	LoggedOut LoginState = iota
	LoggingIn
	LoggedIn
	LoginFailed
)

func (s LoginState) String() string {
	switch s {
	case LoggedOut:
		return "logged out"
	case LoggingIn:
		return "logging in"
	case LoggedIn:
		return "logged in"
	case LoginFailed:
		return "login failed"
	default:
		return "unknown"
	}
}

// RegistrationState tracks the account-creation axis; it is only
// meaningful while connected.
type RegistrationState int

const (
	RegistrationIdle RegistrationState = iota
	Registering
	RegistrationSuccess
	RegistrationFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationIdle:
		return "idle"
	case Registering:
		return "registering"
	case RegistrationSuccess:
		return "success"
	case RegistrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}
