package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"meshline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ValidateDestinationHash checks a lowercase-hex destination hash of the
// fixed network length.
func ValidateDestinationHash(hash string) error {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("destination hash is not hex: %w", err)
	}
	if len(raw) != domain.DestinationHashLen {
		return fmt.Errorf("destination hash must be %d bytes, got %d", domain.DestinationHashLen, len(raw))
	}
	if hash != strings.ToLower(hash) {
		return errors.New("destination hash must be lowercase hex")
	}
	return nil
}

func scanContact(row *sql.Row) (domain.Contact, error) {
	var c domain.Contact
	var name sql.NullString
	err := row.Scan(&c.DestinationHash, &name, &c.Status, &c.PublicKey, &c.AddedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if name.Valid {
		c.DisplayName = name.String
	}
	return c, err
}

func (r Repo) InsertContact(ctx context.Context, c domain.Contact) error {
	if err := ValidateDestinationHash(c.DestinationHash); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = domain.StatusPendingIdentity
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO contacts(destination_hash,display_name,status,public_key,added_at,updated_at) VALUES (?,?,?,?,?,?)`,
		c.DestinationHash, nullable(c.DisplayName), c.Status, c.PublicKey, c.AddedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContact(ctx context.Context, destinationHash string) (domain.Contact, error) {
	return scanContact(r.DB.QueryRowContext(ctx,
		`SELECT destination_hash,display_name,status,public_key,added_at,updated_at FROM contacts WHERE destination_hash=?`,
		destinationHash))
}

// ListContactsByStatus returns contacts in any of the given statuses,
// oldest first so the resolver works through the backlog in arrival order.
func (r Repo) ListContactsByStatus(ctx context.Context, statuses ...string) ([]domain.Contact, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	query := fmt.Sprintf(`SELECT destination_hash,display_name,status,public_key,added_at,updated_at FROM contacts WHERE status IN (%s) ORDER BY added_at ASC, destination_hash ASC`,
		placeholders[:len(placeholders)-1])
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contact
	for rows.Next() {
		var c domain.Contact
		var name sql.NullString
		if err := rows.Scan(&c.DestinationHash, &name, &c.Status, &c.PublicKey, &c.AddedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			c.DisplayName = name.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ListContacts(ctx context.Context) ([]domain.Contact, error) {
	return r.ListContactsByStatus(ctx, domain.StatusPendingIdentity, domain.StatusResolved, domain.StatusUnresolved)
}

// UpdateContactStatus moves a contact to pending_identity or unresolved
// in one atomic write, clearing any stored key so that only resolved
// contacts carry one.
func (r Repo) UpdateContactStatus(ctx context.Context, destinationHash, status string) error {
	if status == domain.StatusResolved {
		return errors.New("resolved status requires a public key; use UpdateContactWithIdentity")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE contacts SET status=?, public_key=NULL, updated_at=? WHERE destination_hash=?`,
		status, now, destinationHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContactWithIdentity marks a contact resolved and stores its
// public key in the same atomic write.
func (r Repo) UpdateContactWithIdentity(ctx context.Context, destinationHash string, publicKey []byte) error {
	if len(publicKey) == 0 {
		return errors.New("public key required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE contacts SET status=?, public_key=?, updated_at=? WHERE destination_hash=?`,
		domain.StatusResolved, publicKey, now, destinationHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertAnnounce(ctx context.Context, tx *sql.Tx, a domain.Announce) error {
	if err := ValidateDestinationHash(a.DestinationHash); err != nil {
		return err
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO announces(id,destination_hash,aspect,payload,role,role_label,hops,public_key,stamp_cost,stamp_cost_flexibility,peering_cost,received_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.DestinationHash, nullable(a.Aspect), a.Payload, a.Role, a.RoleLabel,
		a.Hops, a.PublicKey, a.StampCost, a.StampCostFlex, a.PeeringCost, a.ReceivedAt)
	return err
}

// ListAnnounces returns the most recent announces, optionally filtered
// by role and aspect.
func (r Repo) ListAnnounces(ctx context.Context, role, aspect string, limit int) ([]domain.Announce, error) {
	clauses := []string{"1=1"}
	var args []any
	if role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, role)
	}
	if aspect != "" {
		clauses = append(clauses, "aspect=?")
		args = append(args, aspect)
	}
	query := `SELECT id,destination_hash,COALESCE(aspect,''),payload,role,role_label,hops,public_key,stamp_cost,stamp_cost_flexibility,peering_cost,received_at
FROM announces WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY received_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Announce
	for rows.Next() {
		var a domain.Announce
		if err := rows.Scan(&a.ID, &a.DestinationHash, &a.Aspect, &a.Payload, &a.Role, &a.RoleLabel,
			&a.Hops, &a.PublicKey, &a.StampCost, &a.StampCostFlex, &a.PeeringCost, &a.ReceivedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertIdentity refreshes the local identity cache entry for a
// destination hash.
func (r Repo) UpsertIdentity(ctx context.Context, tx *sql.Tx, ident domain.Identity) error {
	if len(ident.PublicKey) == 0 {
		return errors.New("public key required")
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO identities(destination_hash,public_key,updated_at) VALUES (?,?,?)
ON CONFLICT(destination_hash) DO UPDATE SET public_key=excluded.public_key, updated_at=excluded.updated_at`,
		ident.DestinationHash, ident.PublicKey, ident.UpdatedAt)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, destinationHash string) (domain.Identity, error) {
	var ident domain.Identity
	err := r.DB.QueryRowContext(ctx,
		`SELECT destination_hash,public_key,updated_at FROM identities WHERE destination_hash=?`,
		destinationHash).Scan(&ident.DestinationHash, &ident.PublicKey, &ident.UpdatedAt)
	if err == sql.ErrNoRows {
		return ident, ErrNotFound
	}
	return ident, err
}

// LatestEvents returns the newest events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
