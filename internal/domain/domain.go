package domain

// Contact statuses. A contact starts pending and either resolves with a
// public key or expires to unresolved; a manual retry returns it to pending.
const (
	StatusPendingIdentity = "pending_identity"
	StatusResolved        = "resolved"
	StatusUnresolved      = "unresolved"
)

// DestinationHashLen is the length in bytes of a truncated destination
// hash on the mesh. Hashes are stored and exchanged as lowercase hex.
const DestinationHashLen = 16

type Contact struct {
	DestinationHash string `json:"destination_hash"`
	DisplayName     string `json:"display_name,omitempty"`
	Status          string `json:"status" enum:"pending_identity,resolved,unresolved"`
	PublicKey       []byte `json:"public_key,omitempty"`
	AddedAt         string `json:"added_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type Announce struct {
	ID              string `json:"id"`
	DestinationHash string `json:"destination_hash"`
	Aspect          string `json:"aspect,omitempty"`
	Payload         []byte `json:"payload,omitempty"`
	Role            string `json:"role" enum:"peer,node,propagation_node"`
	RoleLabel       string `json:"role_label"`
	Hops            *int   `json:"hops,omitempty"`
	PublicKey       []byte `json:"public_key,omitempty"`
	StampCost       *int   `json:"stamp_cost,omitempty"`
	StampCostFlex   *int   `json:"stamp_cost_flexibility,omitempty"`
	PeeringCost     *int   `json:"peering_cost,omitempty"`
	ReceivedAt      string `json:"received_at" format:"date-time"`
}

// Identity is one entry in the local identity cache, keyed by
// destination hash and refreshed whenever an announce carries a key.
type Identity struct {
	DestinationHash string `json:"destination_hash"`
	PublicKey       []byte `json:"public_key"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
