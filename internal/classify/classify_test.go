package classify_test

import (
	"bytes"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"meshline/internal/classify"
)

func binPayload(first byte, size int) []byte {
	p := bytes.Repeat([]byte{0xff}, size)
	p[0] = first
	return p
}

func TestClassifyAspectPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		aspect  string
		payload []byte
		want    classify.Role
	}{
		{"propagation aspect", "lxmf.propagation", nil, classify.RolePropagationNode},
		{"propagation aspect ignores payload", "x.propagation", []byte("My Personal Node"), classify.RolePropagationNode},
		{"propagation aspect ignores binary", "lxmf.propagation", binPayload(0x61, 80), classify.RolePropagationNode},
		{"delivery aspect", "lxmf.delivery", nil, classify.RolePeer},
		{"delivery aspect ignores node text", "lxmf.delivery", []byte("some node"), classify.RolePeer},
		{"other aspect", "call.audio", []byte("Sideband v1.0"), classify.RoleNode},
		{"nomadnet aspect", "nomadnetwork.node", nil, classify.RoleNode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify.Classify(tc.aspect, tc.payload); got != tc.want {
				t.Fatalf("Classify(%q, %v) = %v, want %v", tc.aspect, tc.payload, got, tc.want)
			}
		})
	}
}

func TestClassifyPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    classify.Role
	}{
		{"nil payload", nil, classify.RoleNode},
		{"empty payload", []byte{}, classify.RoleNode},
		{"sideband marker", []byte("Sideband v1.0"), classify.RolePeer},
		{"meshchat marker", []byte("MeshChat User"), classify.RolePeer},
		{"marker beats node token", []byte("Sideband Node"), classify.RolePeer},
		{"node token", []byte("My Personal Node"), classify.RoleNode},
		{"node token case insensitive", []byte("forum NODE east"), classify.RoleNode},
		{"plain display name", []byte("Alice"), classify.RolePeer},
		{"display name punctuation", []byte("alice@mesh#1_x-y"), classify.RolePeer},
		{"unicode display name", []byte("Ólafur ✨"), classify.RolePeer},
		{"whitespace only is peer", []byte("   "), classify.RolePeer},
		{"embedded newline", []byte("Alice\nBob"), classify.RolePeer},
		{"short non-alphanumeric", []byte("!!!"), classify.RolePeer},
		{"short binary noise", []byte{0x01, 0x02, 0x03, 0x04}, classify.RolePeer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify.Classify("", tc.payload); got != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.payload, got, tc.want)
			}
		})
	}
}

func TestClassifyStructuralBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    classify.Role
	}{
		// The 50-byte gate is exact: one byte under stays on the text path.
		{"49-byte fixarray is peer", binPayload(0x93, 49), classify.RolePeer},
		{"50-byte fixarray is relay", binPayload(0x93, 50), classify.RolePropagationNode},
		{"fixmap low", binPayload(0x80, 50), classify.RolePropagationNode},
		{"fixmap high", binPayload(0x8f, 50), classify.RolePropagationNode},
		{"fixarray low", binPayload(0x90, 50), classify.RolePropagationNode},
		{"fixarray high", binPayload(0x9f, 50), classify.RolePropagationNode},
		{"array16", binPayload(0xdc, 50), classify.RolePropagationNode},
		{"array32", binPayload(0xdd, 50), classify.RolePropagationNode},
		{"map16", binPayload(0xde, 50), classify.RolePropagationNode},
		{"map32", binPayload(0xdf, 50), classify.RolePropagationNode},
		{"bool false", binPayload(0xc2, 50), classify.RolePropagationNode},
		{"bool true", binPayload(0xc3, 50), classify.RolePropagationNode},
		{"nil marker is peer", binPayload(0xc0, 50), classify.RolePeer},
		{"non-marker first byte", binPayload(0x05, 50), classify.RolePeer},
		{"single boolean marker too short", []byte{0xc3}, classify.RolePeer},
		{"long ascii text", bytes.Repeat([]byte{'a'}, 50), classify.RolePeer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify.Classify("", tc.payload); got != tc.want {
				t.Fatalf("Classify(%v...) = %v, want %v", tc.payload[0], got, tc.want)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("Sideband v1.0"),
		binPayload(0x93, 50),
		binPayload(0x93, 49),
		{0xc3},
		bytes.Repeat([]byte{0x00}, 200),
	}
	for _, p := range payloads {
		first := classify.Classify("", p)
		second := classify.Classify("", p)
		if first != second {
			t.Fatalf("Classify not deterministic for %v: %v then %v", p, first, second)
		}
	}
}

func TestDescribeRole(t *testing.T) {
	cases := map[classify.Role]string{
		classify.RolePeer:            "LXMF messaging peer",
		classify.RoleNode:            "Content/service node",
		classify.RolePropagationNode: "Message relay node",
	}
	for role, want := range cases {
		if got := classify.DescribeRole(role); got != want {
			t.Fatalf("DescribeRole(%v) = %q, want %q", role, got, want)
		}
	}
}

func packAnnounce(t *testing.T, costs any) []byte {
	t.Helper()
	data, err := msgpack.Marshal([]any{nil, nil, nil, nil, nil, costs})
	if err != nil {
		t.Fatalf("marshal announce data: %v", err)
	}
	return data
}

func TestParsePropagationMetadata(t *testing.T) {
	t.Run("full cost block", func(t *testing.T) {
		meta, ok := classify.ParsePropagationMetadata(packAnnounce(t, []any{16, 2, 4}))
		if !ok {
			t.Fatal("expected metadata")
		}
		if meta.StampCost == nil || *meta.StampCost != 16 {
			t.Fatalf("stamp cost = %v, want 16", meta.StampCost)
		}
		if meta.StampCostFlex == nil || *meta.StampCostFlex != 2 {
			t.Fatalf("flexibility = %v, want 2", meta.StampCostFlex)
		}
		if meta.PeeringCost == nil || *meta.PeeringCost != 4 {
			t.Fatalf("peering cost = %v, want 4", meta.PeeringCost)
		}
	})

	t.Run("large values", func(t *testing.T) {
		meta, ok := classify.ParsePropagationMetadata(packAnnounce(t, []any{999999, 1<<31 - 1, 1 << 16}))
		if !ok || meta.StampCostFlex == nil || *meta.StampCostFlex != 1<<31-1 {
			t.Fatalf("flexibility = %v, want max int32", meta.StampCostFlex)
		}
	})

	t.Run("short cost block", func(t *testing.T) {
		meta, ok := classify.ParsePropagationMetadata(packAnnounce(t, []any{16}))
		if !ok {
			t.Fatal("expected partial metadata")
		}
		if meta.StampCostFlex != nil || meta.PeeringCost != nil {
			t.Fatalf("expected nil flexibility/peering, got %v/%v", meta.StampCostFlex, meta.PeeringCost)
		}
	})

	t.Run("non-numeric entries", func(t *testing.T) {
		meta, ok := classify.ParsePropagationMetadata(packAnnounce(t, []any{16, "not_a_number", map[string]any{"k": "v"}}))
		if !ok || meta.StampCost == nil || *meta.StampCost != 16 {
			t.Fatalf("stamp cost = %v, want 16", meta.StampCost)
		}
		if meta.StampCostFlex != nil || meta.PeeringCost != nil {
			t.Fatal("expected non-numeric entries to be dropped")
		}
	})

	t.Run("short array", func(t *testing.T) {
		data, err := msgpack.Marshal([]any{1, 2, 3})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := classify.ParsePropagationMetadata(data); ok {
			t.Fatal("expected no metadata from short array")
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		if _, ok := classify.ParsePropagationMetadata([]byte{0xc1, 0xff}); ok {
			t.Fatal("expected no metadata from malformed payload")
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		if _, ok := classify.ParsePropagationMetadata(nil); ok {
			t.Fatal("expected no metadata from empty payload")
		}
	})
}
