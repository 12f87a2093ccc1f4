package identity

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/example/realm-chat/domain/realm"
)

// MaxRoomLength bounds room identifiers.
const MaxRoomLength = 100

// NormalizeName trims name and checks it against maxLen runes.
func NormalizeName(name string, maxLen int) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is empty", realm.ErrInvalidName)
	case !utf8.ValidString(name):
		return "", fmt.Errorf("%w: name is not valid UTF-8", realm.ErrInvalidName)
	case utf8.RuneCountInString(name) > maxLen:
		return "", fmt.Errorf("%w: name exceeds %d characters", realm.ErrInvalidName, maxLen)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return "", fmt.Errorf("%w: name contains control characters", realm.ErrInvalidName)
	}
	return name, nil
}

// NormalizeRoom trims a room identifier and checks its length.
func NormalizeRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	switch {
	case room == "":
		return "", fmt.Errorf("%w: room is empty", realm.ErrInvalidRoom)
	case !utf8.ValidString(room):
		return "", fmt.Errorf("%w: room is not valid UTF-8", realm.ErrInvalidRoom)
	case utf8.RuneCountInString(room) > MaxRoomLength:
		return "", fmt.Errorf("%w: room exceeds %d characters", realm.ErrInvalidRoom, MaxRoomLength)
	}
	return room, nil
}
