package registry

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func validateIdentity(identity string, maxBytes int) error {
	switch {
	case identity == "":
		return &JoinError{Field: "identity", Reason: "is required"}
	case len(identity) > maxBytes:
		return &JoinError{Field: "identity", Reason: "is too long"}
	case !utf8.ValidString(identity):
		return &JoinError{Field: "identity", Reason: "is not valid UTF-8"}
	case strings.TrimSpace(identity) != identity:
		return &JoinError{Field: "identity", Reason: "has leading or trailing whitespace"}
	}
	for _, r := range identity {
		if unicode.IsControl(r) {
			return &JoinError{Field: "identity", Reason: "contains control characters"}
		}
	}
	return nil
}

func validateRoomID(room string, maxBytes int) error {
	switch {
	case room == "":
		return &JoinError{Field: "room", Reason: "is required"}
	case len(room) > maxBytes:
		return &JoinError{Field: "room", Reason: "is too long"}
	}
	for i := 0; i < len(room); i++ {
		c := room[i]
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
		if !ok {
			return &JoinError{Field: "room", Reason: "may only contain letters, digits, '-' and '_'"}
		}
	}
	return nil
}
