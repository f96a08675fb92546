// SPDX-License-Identifier: MIT

package progress

import (
	"strings"

	"github.com/clipforge/clipforge/internal/apperr"
)

// Channel is a normalized progress channel name,
// always "progress:project:<project_id>".
type Channel string

const channelPrefix = "progress:project:"

// Normalize canonicalises a channel name. It accepts a bare project id,
// "project:<id>", the canonical form, and any accidental stacking of those
// prefixes, and strips down to exactly one canonical prefix. Every site that
// builds, subscribes to, or publishes on a channel goes through here;
// nothing else concatenates prefixes.
//
// Normalize is idempotent: feeding its output back in returns it unchanged.
func Normalize(raw string) (Channel, error) {
	rest := strings.TrimSpace(raw)
	for {
		switch {
		case strings.HasPrefix(rest, channelPrefix):
			rest = rest[len(channelPrefix):]
		case strings.HasPrefix(rest, "project:"):
			rest = rest[len("project:"):]
		case strings.HasPrefix(rest, "progress:"):
			rest = rest[len("progress:"):]
		default:
			if rest == "" {
				return "", apperr.New(apperr.InvalidArgument, "empty progress channel")
			}
			if strings.ContainsAny(rest, ": \t\n/") {
				return "", apperr.Newf(apperr.InvalidArgument, "malformed progress channel %q", raw)
			}
			return Channel(channelPrefix + rest), nil
		}
	}
}

// ProjectID returns the id part of a canonical channel.
func (c Channel) ProjectID() string {
	return strings.TrimPrefix(string(c), channelPrefix)
}
