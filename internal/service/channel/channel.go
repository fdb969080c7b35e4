// Package channel maps client/consultant pairs to pub/sub channel names and
// derives the capability grants embedded in provider tokens.
package channel

import (
	"errors"
	"strings"
)

const (
	prefix    = "chat"
	separator = ":"
	wildcard  = "*"
)

// ErrInvalidChannel is returned when a channel name is not chat:<id>:<id>.
var ErrInvalidChannel = errors.New("invalid channel format")

// Name returns the canonical channel for two participants. The result does
// not depend on argument order.
func Name(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return prefix + separator + a + separator + b
}

// Parse returns the two participant ids of a channel in sorted order.
func Parse(name string) (string, string, error) {
	parts := strings.Split(name, separator)
	if len(parts) != 3 || parts[0] != prefix || parts[1] == "" || parts[2] == "" {
		return "", "", ErrInvalidChannel
	}
	a, b := parts[1], parts[2]
	if b < a {
		a, b = b, a
	}
	return a, b, nil
}

// IsMember reports whether userID is one of the channel's participants.
// Malformed names have no members.
func IsMember(userID, name string) bool {
	a, b, err := Parse(name)
	if err != nil || userID == "" {
		return false
	}
	return userID == a || userID == b
}

// Counterpart returns the other participant of the channel.
func Counterpart(userID, name string) (string, error) {
	a, b, err := Parse(name)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", errors.New("user is not a channel member")
	}
}
