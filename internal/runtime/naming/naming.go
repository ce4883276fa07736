// Package naming derives subjects and durable consumer names.
//
// Durable names double as subject tokens in the broker API, so they must not
// contain separators or wildcards. Sanitize replaces each of
//
//	\ / : * ? " < > | ー .
//
// as well as whitespace and control characters with an underscore. An empty
// result becomes "unknown".
package naming

import (
	"os"
	"strconv"
	"strings"
	"unicode"
)

const (
	// Filler replaces characters that are not valid in a name token.
	Filler = '_'

	unknownToken = "unknown"
)

const disallowed = `\/:*?"<>|ー.`

// Sanitize makes token safe for use as a stream or consumer name.
func Sanitize(token string) string {
	if token == "" {
		return unknownToken
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(disallowed, r) || unicode.IsSpace(r) || unicode.IsControl(r) {
			return Filler
		}
		return r
	}, token)
}

// DurableName joins a logical role with an identity token so that each
// instance of the role gets its own durable consumer. An empty identity pins
// the name to the role, letting several instances share one consumer.
func DurableName(role, identity string) string {
	if identity == "" {
		return Sanitize(role)
	}
	return Sanitize(role) + "-" + Sanitize(identity)
}

// HostIdentity returns the hostname, or "unknown" when it cannot be read.
func HostIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return unknownToken
	}
	return host
}

// Subject routes a task to "<prefix>.<taskID>".
func Subject(prefix string, taskID int64) string {
	return prefix + "." + strconv.FormatInt(taskID, 10)
}

// Pattern is the wildcard binding every subject under prefix.
func Pattern(prefix string) string {
	return prefix + ".>"
}

// ValidName reports whether name can be used as a stream or consumer name
// without sanitizing.
func ValidName(name string) bool {
	return name != "" && Sanitize(name) == name
}
