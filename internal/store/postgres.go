package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"countersign/api/internal/workflow"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- tenants, users, memberships ---

func (s *PostgresStore) InsertTenant(ctx context.Context, tenant Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (name, company_name, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, tenant.Name, tenant.CompanyName, tenant.Status)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, name string) (Tenant, error) {
	var tenant Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT name, company_name, status, created_at FROM tenants WHERE name=$1
	`, name).Scan(&tenant.Name, &tenant.CompanyName, &tenant.Status, &tenant.CreatedAt)
	if err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, initials, email, home_tenant_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.DisplayName, user.Initials, user.Email, user.HomeTenantName)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, initials, email, home_tenant_name, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Initials, &user.Email, &user.HomeTenantName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, tenant_name, invitation_status, tenant_display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, tenant_name)
		DO UPDATE SET invitation_status=EXCLUDED.invitation_status, tenant_display_name=EXCLUDED.tenant_display_name
	`, m.UserID, m.TenantName, m.InvitationStatus, m.TenantDisplayName)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, tenant_name, invitation_status, tenant_display_name, created_at
		FROM memberships
		WHERE user_id=$1
		ORDER BY tenant_name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.TenantName, &m.InvitationStatus, &m.TenantDisplayName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

// --- documents ---

const documentColumns = `id, tenant_name, title, stage, edit_stamp, has_content, pdf_url, parent_id, created_by, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.TenantName,
		&doc.Title,
		&doc.Stage,
		&doc.EditStamp,
		&doc.HasContent,
		&doc.PDFURL,
		&doc.ParentID,
		&doc.CreatedBy,
		&doc.UpdatedAt,
	)
	return doc, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, tenantName string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE tenant_name=$1
		ORDER BY updated_at DESC
	`, tenantName)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// InsertDocument writes the document row and its participant groups in one
// transaction.
func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document, groups workflow.GroupSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_name, title, stage, edit_stamp, has_content, pdf_url, parent_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.TenantName, doc.Title, doc.Stage, doc.EditStamp, doc.HasContent, doc.PDFURL, doc.ParentID, doc.CreatedBy); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if err := writeGroups(ctx, tx, doc.ID, groups); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert document: %w", err)
	}
	return nil
}

func writeGroups(ctx context.Context, tx *sql.Tx, documentID string, groups workflow.GroupSet) error {
	for _, group := range groups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participant_groups (document_id, role, title, signing_order)
			VALUES ($1, $2, $3, $4)
		`, documentID, group.Role, group.Title, group.SigningOrder); err != nil {
			return fmt.Errorf("insert group %s: %w", group.Role, err)
		}
		for position, p := range group.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO participants (document_id, role, participant_id, name, initials, email, is_external, signed, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, documentID, group.Role, p.ID, p.Name, p.Initials, p.Email, p.IsExternal, p.Signed, position); err != nil {
				return fmt.Errorf("insert participant %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

func (s *PostgresStore) GetGroupSet(ctx context.Context, documentID string) (workflow.GroupSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, title, signing_order FROM participant_groups WHERE document_id=$1
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	byRole := make(map[workflow.GroupRole]*workflow.ParticipantGroup)
	for rows.Next() {
		var group workflow.ParticipantGroup
		if err := rows.Scan(&group.Role, &group.Title, &group.SigningOrder); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		byRole[group.Role] = &group
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT role, participant_id, name, initials, email, is_external, signed
		FROM participants
		WHERE document_id=$1
		ORDER BY role, position
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var role workflow.GroupRole
		var p workflow.Participant
		if err := prows.Scan(&role, &p.ID, &p.Name, &p.Initials, &p.Email, &p.IsExternal, &p.Signed); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if group, ok := byRole[role]; ok {
			group.Participants = append(group.Participants, p)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}

	// Stable display order regardless of row order.
	groups := make(workflow.GroupSet, 0, len(byRole))
	for _, role := range workflow.GroupRoles {
		if group, ok := byRole[role]; ok {
			groups = append(groups, *group)
		}
	}
	return groups, nil
}

// UpdateDocumentStage commits a stage change with a compare-and-swap on the
// edit stamp. Exactly one of two racing writers presenting the same expected
// stamp wins; the loser receives a StaleError carrying the current stamp.
func (s *PostgresStore) UpdateDocumentStage(ctx context.Context, documentID string, expected int64, update StageUpdate) (int64, error) {
	newStamp := nextStamp(expected, update.NewStamp)
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET stage=$3,
			pdf_url=COALESCE($4, pdf_url),
			has_content=COALESCE($5, has_content),
			edit_stamp=$6,
			updated_at=NOW()
		WHERE id=$1 AND edit_stamp=$2
	`, documentID, expected, update.Stage, update.PDFURL, update.HasContent, newStamp)
	if err != nil {
		return 0, fmt.Errorf("update document stage: %w", err)
	}
	if err := s.requireWritten(ctx, result, documentID, expected); err != nil {
		return 0, err
	}
	return newStamp, nil
}

// SaveGroupSet replaces the document's participant groups, bumping the edit
// stamp under the same compare-and-swap rule as stage commits.
func (s *PostgresStore) SaveGroupSet(ctx context.Context, documentID string, expected int64, groups workflow.GroupSet) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save groups: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	newStamp := nextStamp(expected, 0)
	result, err := tx.ExecContext(ctx, `
		UPDATE documents SET edit_stamp=$3, updated_at=NOW() WHERE id=$1 AND edit_stamp=$2
	`, documentID, expected, newStamp)
	if err != nil {
		return 0, fmt.Errorf("bump edit stamp: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return 0, s.staleOrMissing(ctx, documentID, expected)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM participant_groups WHERE document_id=$1`, documentID); err != nil {
		return 0, fmt.Errorf("clear groups: %w", err)
	}
	if err := writeGroups(ctx, tx, documentID, groups); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save groups: %w", err)
	}
	return newStamp, nil
}

// DeleteDocument hard-deletes under compare-and-swap. Only the Delete arm of
// the void-or-delete policy reaches this.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string, expected int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE id=$1 AND edit_stamp=$2
	`, documentID, expected)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return s.requireWritten(ctx, result, documentID, expected)
}

func (s *PostgresStore) requireWritten(ctx context.Context, result sql.Result, documentID string, expected int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	return s.staleOrMissing(ctx, documentID, expected)
}

func (s *PostgresStore) staleOrMissing(ctx context.Context, documentID string, expected int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT edit_stamp FROM documents WHERE id=$1`, documentID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("read current stamp: %w", err)
	}
	return &StaleError{DocumentID: documentID, Expected: expected, Current: current}
}

// nextStamp keeps the edit stamp strictly monotonic even when the wall clock
// has not moved past the previous commit.
func nextStamp(previous, proposed int64) int64 {
	stamp := proposed
	if stamp == 0 {
		stamp = time.Now().UnixMilli()
	}
	if stamp <= previous {
		stamp = previous + 1
	}
	return stamp
}

// --- stage audit events ---

func (s *PostgresStore) InsertStageEvent(ctx context.Context, event StageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_events (document_id, event_type, from_stage, to_stage, actor, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.DocumentID, event.EventType, event.FromStage, event.ToStage, event.Actor, event.Reason)
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStageEvents(ctx context.Context, documentID string, limit int) ([]StageEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, event_type, from_stage, to_stage, actor, reason, created_at
		FROM stage_events
		WHERE document_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list stage events: %w", err)
	}
	defer rows.Close()

	items := make([]StageEvent, 0, limit)
	for rows.Next() {
		var event StageEvent
		if err := rows.Scan(&event.ID, &event.DocumentID, &event.EventType, &event.FromStage, &event.ToStage, &event.Actor, &event.Reason, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage events: %w", err)
	}
	return items, nil
}
