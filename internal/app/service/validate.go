package service

import (
	"net/url"
	"strings"
)

const maxCodeLength = 20

var reservedCodes = map[string]struct{}{
	"api":     {},
	"health":  {},
	"ready":   {},
	"metrics": {},
}

// ValidCode reports whether code can be a short code.
func ValidCode(code string) bool {
	if len(code) == 0 || len(code) > maxCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// IsReservedCode reports whether code would shadow one of the service routes.
func IsReservedCode(code string) bool {
	_, ok := reservedCodes[strings.ToLower(code)]
	return ok
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) != raw || raw == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	if u.Host == "" || u.Hostname() == "" {
		return ErrInvalidURL
	}
	return nil
}
