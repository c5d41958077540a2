package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Channel naming. Every broker channel embeds the tenant id:
//
//	<namespace>:<tenant_id>:<event_type>              specific events
//	<namespace>:<tenant_id>:*                         tenant-wide pattern
//	<namespace>:<tenant_id>:conversation:<conv_id>    conversation fan-out
//
// Derivation is a pure function of its inputs; the same event always maps to
// the same channel string.

// Channel returns the channel an event of the given type is published on.
func Channel(namespace string, tenantID uuid.UUID, t Type) string {
	return fmt.Sprintf("%s:%s:%s", namespace, tenantID, t)
}

// TenantPattern returns the pattern matching every channel of a tenant.
func TenantPattern(namespace string, tenantID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:*", namespace, tenantID)
}

// ConversationChannel returns the channel for conversation-scoped fan-out.
func ConversationChannel(namespace string, tenantID, conversationID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:conversation:%s", namespace, tenantID, conversationID)
}

// ChannelFor derives the publish channel for an event.
func ChannelFor(namespace string, ev Event) string {
	return Channel(namespace, ev.TenantID, ev.Type)
}

// Match reports whether a channel name matches a subscription pattern.
//
// Patterns use glob semantics compatible with the broker's PSUBSCRIBE rules:
// '*' matches any run of characters (including ':'), '?' matches exactly one
// character, and everything else matches itself case-sensitively. This is not
// a regular expression.
func Match(pattern, channel string) bool {
	return matchGlob(pattern, channel)
}

func matchGlob(pattern, s string) bool {
	// Backtracking pointers for the most recent '*'.
	pi, si := 0, 0
	star, mark := -1, 0

	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si] || pattern[pi] == '?'):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
