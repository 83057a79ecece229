package server

import (
	"encoding/base64"

	"meshline/internal/domain"
	"meshline/internal/resolver"
)

// Request payloads

type RecordAnnounceRequest struct {
	DestinationHash string `json:"destination_hash"`
	Aspect          string `json:"aspect,omitempty"`
	// Payload and public key travel base64-encoded; announce payloads
	// are raw bytes on the wire.
	Payload   string `json:"payload,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Hops      *int   `json:"hops,omitempty"`
}

type CreateContactRequest struct {
	DestinationHash string `json:"destination_hash"`
	DisplayName     string `json:"display_name,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

// Response payloads

type AnnounceResponse struct {
	ID              string `json:"id"`
	DestinationHash string `json:"destination_hash"`
	Aspect          string `json:"aspect,omitempty"`
	Role            string `json:"role" enum:"peer,node,propagation_node"`
	RoleLabel       string `json:"role_label"`
	Hops            *int   `json:"hops,omitempty"`
	StampCost       *int   `json:"stamp_cost,omitempty"`
	StampCostFlex   *int   `json:"stamp_cost_flexibility,omitempty"`
	PeeringCost     *int   `json:"peering_cost,omitempty"`
	ReceivedAt      string `json:"received_at" format:"date-time"`
}

type ContactResponse struct {
	DestinationHash string `json:"destination_hash"`
	DisplayName     string `json:"display_name,omitempty"`
	Status          string `json:"status" enum:"pending_identity,resolved,unresolved"`
	PublicKey       string `json:"public_key,omitempty"`
	AddedAt         string `json:"added_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present in the creation response.
	Key string `json:"key,omitempty"`
}

type ResolverStatusResponse struct {
	Running  bool                 `json:"running"`
	Interval string               `json:"interval"`
	Timeout  string               `json:"timeout"`
	LastPass *resolver.PassReport `json:"last_pass,omitempty"`
}

func announceResponse(a domain.Announce) AnnounceResponse {
	return AnnounceResponse{
		ID:              a.ID,
		DestinationHash: a.DestinationHash,
		Aspect:          a.Aspect,
		Role:            a.Role,
		RoleLabel:       a.RoleLabel,
		Hops:            a.Hops,
		StampCost:       a.StampCost,
		StampCostFlex:   a.StampCostFlex,
		PeeringCost:     a.PeeringCost,
		ReceivedAt:      a.ReceivedAt,
	}
}

func mapAnnounces(items []domain.Announce) []AnnounceResponse {
	out := make([]AnnounceResponse, 0, len(items))
	for _, a := range items {
		out = append(out, announceResponse(a))
	}
	return out
}

func contactResponse(c domain.Contact) ContactResponse {
	resp := ContactResponse{
		DestinationHash: c.DestinationHash,
		DisplayName:     c.DisplayName,
		Status:          c.Status,
		AddedAt:         c.AddedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if len(c.PublicKey) > 0 {
		resp.PublicKey = base64.StdEncoding.EncodeToString(c.PublicKey)
	}
	return resp
}

func mapContacts(items []domain.Contact) []ContactResponse {
	out := make([]ContactResponse, 0, len(items))
	for _, c := range items {
		out = append(out, contactResponse(c))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}
