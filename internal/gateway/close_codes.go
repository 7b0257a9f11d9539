package gateway

import "errors"

// WebSocket close codes in the application range (4000+). RFC 6455 codes (1000 Normal, 1001 Going Away) are used for
// clean shutdowns; everything below describes a protocol violation or an authentication outcome.
const (
	// CloseUnknownError covers internal failures the client cannot act on beyond reconnecting.
	CloseUnknownError = 4000

	// CloseUnknownOpcode is sent when an authenticated session submits an opcode the gateway does not handle.
	CloseUnknownOpcode = 4001

	// CloseDecodeError is sent when an inbound frame is not valid JSON or its payload does not match the opcode.
	CloseDecodeError = 4002

	// CloseNotAuthenticated is sent when a connection submits anything but Identify or Resume before authenticating,
	// or lets the identify window lapse. Terminal: the client must restart the handshake.
	CloseNotAuthenticated = 4003

	// CloseAuthFailed is sent when the token on Identify or Resume does not validate. Terminal: retrying with the
	// same credentials will not succeed.
	CloseAuthFailed = 4004

	// CloseAlreadyAuthenticated is sent when an identified session sends a second Identify or Resume.
	CloseAlreadyAuthenticated = 4005

	// CloseInvalidSequence is sent when a Resume claims a sequence the server never issued.
	CloseInvalidSequence = 4007

	// CloseRateLimited is sent when a session exceeds a gateway rate limit or overflows its send buffer.
	CloseRateLimited = 4008

	// CloseSessionTimedOut is sent when an identified session misses two heartbeat intervals.
	CloseSessionTimedOut = 4009
)

var (
	// ErrSessionNotFound means the session record is absent or its resume window has expired.
	ErrSessionNotFound = errors.New("session not found or expired")

	// ErrInvalidSequence means the replay buffer cannot produce a gapless stream from the requested position.
	ErrInvalidSequence = errors.New("invalid resume sequence")

	// ErrMaxConnections means the hub is at its configured connection cap.
	ErrMaxConnections = errors.New("maximum connections reached")
)
