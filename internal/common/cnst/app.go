package cnst

import "time"

const (
	// AppName is the canonical application name used in logs and metrics
	AppName = "gatekeeper"

	// APIPrefix is the path prefix of the backend resource API
	APIPrefix = "/api"

	// SocketPath is the path of the persistent event endpoint
	SocketPath = "/socket"

	// PollEventsPath is the path of the long-poll fallback endpoint
	PollEventsPath = "/socket/poll"

	// AgentYaml is the default agent configuration file
	AgentYaml = "configs/gate-agent.yaml"

	// MockServerYaml is the default mock backend configuration file
	MockServerYaml = "configs/mock-server.yaml"
)

const (
	// DefaultAlertPollInterval is the fallback poll cadence that reconciles
	// unread counts through missed push windows
	DefaultAlertPollInterval = 30 * time.Second

	// DefaultAlertWindow bounds the recent-alert set kept by the aggregator
	DefaultAlertWindow = 100

	// DefaultDialTimeout bounds a single transport dial attempt
	DefaultDialTimeout = 10 * time.Second

	// DefaultWebSocketFailures is the number of consecutive failed dials
	// before the channel falls back to the polling transport
	DefaultWebSocketFailures = 3
)

// Blocked-organization indicator: login failures whose message contains this
// substring must route to the blocked-access view instead of the generic
// login-failure path.
const BlockedIndicator = "blocked"

// Roles returned by the backend.
const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
	RoleStaff = "staff"
)
