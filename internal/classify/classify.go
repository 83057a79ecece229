// Package classify assigns a semantic role to announced destinations.
//
// Announce payloads carry no schema: depending on the sending client the
// same field holds a human display name or a packed binary service
// descriptor. Classification is therefore an ordered cascade of
// heuristics, and the byte-level boundaries (the 50-byte text gate and
// the structural marker set) must match what existing senders emit.
package classify

import (
	"strings"
	"unicode/utf8"
)

// Role is the semantic role assigned to an announced destination.
type Role string

const (
	// RolePeer is an addressable messaging endpoint run by an end user.
	RolePeer Role = "peer"
	// RoleNode is a service or content host, such as a forum or call endpoint.
	RoleNode Role = "node"
	// RolePropagationNode is a store-and-forward relay holding messages
	// for destinations that are currently offline.
	RolePropagationNode Role = "propagation_node"
)

var roleLabels = map[Role]string{
	RolePeer:            "LXMF messaging peer",
	RoleNode:            "Content/service node",
	RolePropagationNode: "Message relay node",
}

// DescribeRole returns the fixed human-readable label for a role.
func DescribeRole(r Role) string {
	return roleLabels[r]
}

// shortTextMax is the exclusive payload size bound for the display-name
// path. A 49-byte payload is treated as text (or short noise), a 50-byte
// payload goes to structural sniffing.
const shortTextMax = 50

// clientMarkers are client-name tokens that identify messaging-app
// announces regardless of the rest of the payload.
var clientMarkers = []string{"sideband", "meshchat"}

// Classify maps an announce to a role. A non-empty aspect takes absolute
// precedence over the payload; otherwise the payload rules below apply in
// order. Classify is total: every input yields a role.
func Classify(aspect string, payload []byte) Role {
	if aspect != "" {
		return classifyAspect(aspect)
	}
	for _, rule := range payloadRules {
		if role, ok := rule.apply(payload); ok {
			return role
		}
	}
	return RolePeer
}

func classifyAspect(aspect string) Role {
	switch {
	case strings.Contains(aspect, "propagation"):
		return RolePropagationNode
	case strings.Contains(aspect, "delivery"):
		return RolePeer
	default:
		return RoleNode
	}
}

// payloadRule is one guard in the payload cascade. Rules are evaluated
// top to bottom and the first match wins; keeping them in a flat table
// keeps every boundary value auditable and testable on its own.
type payloadRule struct {
	name  string
	apply func(payload []byte) (Role, bool)
}

var payloadRules = []payloadRule{
	{name: "empty", apply: ruleEmpty},
	{name: "short-text", apply: ruleShortText},
	{name: "structured", apply: ruleStructured},
	{name: "fallback", apply: ruleFallback},
}

// ruleEmpty: no payload at all reads as an anonymous service advertisement.
func ruleEmpty(payload []byte) (Role, bool) {
	if len(payload) == 0 {
		return RoleNode, true
	}
	return "", false
}

// ruleShortText handles every payload under 50 bytes. Valid text is run
// through the marker-token heuristics; short binary noise and text with
// embedded newlines or nothing but whitespace all land on Peer.
func ruleShortText(payload []byte) (Role, bool) {
	if len(payload) >= shortTextMax {
		return "", false
	}
	if !utf8.Valid(payload) {
		return RolePeer, true
	}
	text := string(payload)
	if strings.ContainsRune(text, '\n') {
		return RolePeer, true
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		// Whitespace-only text counts as non-empty, unlike a missing
		// payload, and classifies as a peer.
		return RolePeer, true
	}
	lowered := strings.ToLower(trimmed)
	for _, marker := range clientMarkers {
		if strings.Contains(lowered, marker) {
			return RolePeer, true
		}
	}
	if strings.Contains(lowered, "node") {
		return RoleNode, true
	}
	// What remains is someone's display name, or short noise close
	// enough to one that the distinction would not change the answer.
	return RolePeer, true
}

// Structural markers of the compact binary serialization used for relay
// service records: container headers and booleans. The nil marker 0xc0
// is deliberately absent.
func isStructuralMarker(b byte) bool {
	switch {
	case b >= 0x80 && b <= 0x8f: // fixmap
		return true
	case b >= 0x90 && b <= 0x9f: // fixarray
		return true
	case b == 0xdc || b == 0xdd: // array 16/32
		return true
	case b == 0xde || b == 0xdf: // map 16/32
		return true
	case b == 0xc2 || b == 0xc3: // false/true
		return true
	}
	return false
}

// ruleStructured sniffs the first byte of payloads that were not short
// enough for the text path. A container or boolean marker means a packed
// relay service record.
func ruleStructured(payload []byte) (Role, bool) {
	if len(payload) < 3 {
		return "", false
	}
	if isStructuralMarker(payload[0]) {
		return RolePropagationNode, true
	}
	return "", false
}

func ruleFallback([]byte) (Role, bool) {
	return RolePeer, true
}
