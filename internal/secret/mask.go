package secret

import (
	"net/url"
	"strings"
)

// Mask obscures a secret for logging. Short secrets are hidden entirely;
// longer ones keep a character or three at the edges so operators can tell
// two credentials apart without seeing either.
func Mask(s string) string {
	n := len(s)
	if n == 0 {
		return ""
	}
	if n <= 5 {
		return strings.Repeat("*", n)
	}
	if n <= 20 {
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	}
	return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
}

// MaskURL masks the password portion of a connection URL so the address can
// be logged. Strings that do not parse as a URL are returned unchanged.
func MaskURL(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.User == nil {
		return addr
	}
	if pw, ok := u.User.Password(); ok && pw != "" {
		u.User = url.UserPassword(u.User.Username(), Mask(pw))
		return u.String()
	}
	return addr
}
