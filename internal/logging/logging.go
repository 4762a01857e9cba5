// Package logging configures the zerolog loggers used by the server.
// Errors are logged as type chains rather than raw messages so that
// user-provided data (usernames, message content, passwords) never
// reaches the log stream.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a JSON logger writing to stdout, tagged with the given
// role label (e.g. "server").
func New(role string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().
		Str("role", role).
		Timestamp().
		Logger()
}

// Nop returns a logger that discards all output, for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ErrTypes renders the unwrap chain of err as a "->"-joined list of Go
// type names. The chain identifies the failure class without quoting
// error text that may embed request data.
func ErrTypes(err error) string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return strings.Join(types, "->")
}
