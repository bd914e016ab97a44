package slotsync

import (
	"net/mail"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var emailFolder = cases.Lower(language.Und)

// NormalizeEmail trims and lowercases an email. It returns "" for blank input.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	return emailFolder.String(email)
}

// LooksLikeEmail is the loose check applied to platform payloads.
func LooksLikeEmail(email string) bool {
	email = strings.TrimSpace(email)
	return strings.Contains(email, "@") && strings.Contains(email, ".")
}

// ValidateEmail normalizes and validates a caller-supplied email.
func ValidateEmail(email string) (string, error) {
	norm := NormalizeEmail(email)
	if norm == "" || strings.ContainsAny(norm, " \t\r\n") {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(norm)
	if err != nil || addr.Address != norm {
		return "", ErrInvalidEmail
	}
	return norm, nil
}
