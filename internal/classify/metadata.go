package classify

import (
	"github.com/vmihailenco/msgpack/v5"
)

// PropagationMetadata is the cost block a propagation node embeds in its
// announce payload: element 5 of the packed announce array holds
// [stampCost, stampCostFlexibility, peeringCost].
type PropagationMetadata struct {
	StampCost     *int
	StampCostFlex *int
	PeeringCost   *int
}

// ParsePropagationMetadata extracts relay costs from a propagation-node
// announce payload. It is best-effort by design: malformed payloads,
// short arrays and non-numeric entries yield ok=false or nil fields,
// never an error.
func ParsePropagationMetadata(payload []byte) (PropagationMetadata, bool) {
	var meta PropagationMetadata
	if len(payload) == 0 {
		return meta, false
	}
	var unpacked []any
	if err := msgpack.Unmarshal(payload, &unpacked); err != nil || len(unpacked) < 6 {
		return meta, false
	}
	costs, ok := unpacked[5].([]any)
	if !ok {
		return meta, false
	}
	if len(costs) > 0 {
		if v, ok := asInt(costs[0]); ok {
			meta.StampCost = &v
		}
	}
	if len(costs) > 1 {
		if v, ok := asInt(costs[1]); ok {
			meta.StampCostFlex = &v
		}
	}
	if len(costs) > 2 {
		if v, ok := asInt(costs[2]); ok {
			meta.PeeringCost = &v
		}
	}
	return meta, meta.StampCost != nil || meta.StampCostFlex != nil || meta.PeeringCost != nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
