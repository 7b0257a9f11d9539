// Package apierrors defines the machine-readable error codes returned in the
// REST error envelope.
package apierrors

// Code is a machine-readable API error code.
type Code string

const (
	InternalError      Code = "INTERNAL_ERROR"
	ValidationError    Code = "VALIDATION_ERROR"
	InvalidBody        Code = "INVALID_BODY"
	Unauthorised       Code = "UNAUTHORISED"
	InvalidCredentials Code = "INVALID_CREDENTIALS"
	InvalidToken       Code = "INVALID_TOKEN"
	TokenExpired       Code = "TOKEN_EXPIRED"
	InvalidMFACode     Code = "INVALID_MFA_CODE"
	MissingPermissions Code = "MISSING_PERMISSIONS"
	NotFound           Code = "NOT_FOUND"
	UnknownGuild       Code = "UNKNOWN_GUILD"
	UnknownChannel     Code = "UNKNOWN_CHANNEL"
	UnknownMessage     Code = "UNKNOWN_MESSAGE"
	UnknownMember      Code = "UNKNOWN_MEMBER"
	UnknownRole        Code = "UNKNOWN_ROLE"
	UnknownInvite      Code = "UNKNOWN_INVITE"
	UnknownUser        Code = "UNKNOWN_USER"
	AlreadyExists      Code = "ALREADY_EXISTS"
	Conflict           Code = "CONFLICT"
	RateLimited        Code = "RATE_LIMITED"
	PayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)
