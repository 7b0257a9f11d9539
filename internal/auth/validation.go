package auth

import "regexp"

var (
	usernameRegex      = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)
	discriminatorRegex = regexp.MustCompile(`^[0-9]{4}$`)
)

// ValidateUsername checks a username is 2-32 characters and only contains letters, digits, underscores, and periods.
// len() is used intentionally because usernameRegex restricts to ASCII, where byte count equals rune count.
func ValidateUsername(username string) error {
	if len(username) < 2 || len(username) > 32 {
		return ErrUsernameLength
	}
	if !usernameRegex.MatchString(username) {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidDiscriminator reports whether the string is a four-digit discriminator like "0042".
func ValidDiscriminator(d string) bool {
	return discriminatorRegex.MatchString(d)
}

// ValidatePassword checks that a password is between 8 and 128 characters.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}
	return nil
}
