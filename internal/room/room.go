// Package room derives canonical room identifiers from message addressing.
package room

import (
	"errors"
	"strings"
	"unicode"
)

// Main is the global broadcast room.
const Main = "main"

const sep = ":"

// Kind selects how a message is addressed.
type Kind int

const (
	Broadcast Kind = iota
	Private
)

// ErrInvalidTarget 表示自聊或格式错误的收件人。
var ErrInvalidTarget = errors.New("invalid target")

// ValidUsername reports whether name can take part in a pair key.
func ValidUsername(name string) bool {
	if name == "" || len(name) > 64 || strings.Contains(name, sep) {
		return false
	}
	return strings.IndexFunc(name, unicode.IsSpace) < 0
}

// Resolve 返回消息所属房间：广播为 main，私聊为排序后以冒号连接的双方用户名。
func Resolve(kind Kind, a, b string) (string, error) {
	if kind == Broadcast {
		return Main, nil
	}
	if !ValidUsername(a) || !ValidUsername(b) || a == b {
		return "", ErrInvalidTarget
	}
	if b < a {
		a, b = b, a
	}
	return a + sep + b, nil
}

// IsPrivate reports whether id is a pair key rather than the global room.
func IsPrivate(id string) bool {
	_, _, ok := Participants(id)
	return ok
}

// Participants splits a pair key back into its two usernames.
func Participants(id string) (string, string, bool) {
	a, b, ok := strings.Cut(id, sep)
	if !ok || !ValidUsername(a) || !ValidUsername(b) || a >= b {
		return "", "", false
	}
	return a, b, true
}

// Peer returns the other participant of a pair room.
func Peer(id, self string) (string, bool) {
	a, b, ok := Participants(id)
	switch {
	case !ok:
		return "", false
	case a == self:
		return b, true
	case b == self:
		return a, true
	}
	return "", false
}
