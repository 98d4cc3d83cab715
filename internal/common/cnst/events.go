package cnst

// EventKind identifies a server-pushed event on the channel.
type EventKind string

const (
	// EventAuthenticated is sent by the server after a successful handshake
	EventAuthenticated EventKind = "authenticated"
	// EventAuthenticationError is sent by the server when the handshake token is rejected
	EventAuthenticationError EventKind = "authentication-error"
	// EventCheckIn is broadcast when a member is granted access
	EventCheckIn EventKind = "check-in"
	// EventAccessDenied is broadcast when a member is refused access
	EventAccessDenied EventKind = "access-denied"
)

// ClientEventAuthenticate is the client-to-server handshake frame kind.
const ClientEventAuthenticate = "authenticate"

// AlertKind identifies the kind of an aggregated alert.
type AlertKind string

const (
	AlertKindCheckIn      AlertKind = "check-in"
	AlertKindAccessDenied AlertKind = "access-denied"
)

// AlertOrigin records which path delivered an alert, for diagnosability.
type AlertOrigin string

const (
	// OriginPush marks alerts delivered over the event channel
	OriginPush AlertOrigin = "push"
	// OriginPull marks alerts returned by the fallback poll
	OriginPull AlertOrigin = "pull"
)
