package store

import (
	"time"

	"countersign/api/internal/workflow"
)

type TenantStatus string

const (
	TenantTrial       TenantStatus = "trial"
	TenantActive      TenantStatus = "active"
	TenantExpired     TenantStatus = "expired"
	TenantDeactivated TenantStatus = "deactivated"
)

type Tenant struct {
	Name        string
	CompanyName string
	Status      TenantStatus
	CreatedAt   time.Time
}

type InvitationStatus string

const (
	InvitationActive   InvitationStatus = "active"
	InvitationInactive InvitationStatus = "inactive"
	InvitationInvited  InvitationStatus = "invited"
)

// Membership links a user to one tenant. Membership records are owned by the
// identity/invitation subsystem; this service only reads them.
type Membership struct {
	UserID            string
	TenantName        string
	InvitationStatus  InvitationStatus
	TenantDisplayName string
	CreatedAt         time.Time
}

type User struct {
	ID             string
	DisplayName    string
	Initials       string
	Email          string
	HomeTenantName string
	CreatedAt      time.Time
}

// Document is the persisted document row. EditStamp is the optimistic
// concurrency token every mutating operation must present.
type Document struct {
	ID         string
	TenantName string
	Title      string
	Stage      workflow.Stage
	EditStamp  int64
	HasContent bool
	PDFURL     string
	ParentID   *string
	CreatedBy  string
	UpdatedAt  time.Time
}

// Workflow converts the row into the stage machine's snapshot shape.
func (d Document) Workflow() workflow.Document {
	parent := ""
	if d.ParentID != nil {
		parent = *d.ParentID
	}
	return workflow.Document{
		ID:         d.ID,
		Stage:      d.Stage,
		EditStamp:  d.EditStamp,
		HasContent: d.HasContent,
		PDFURL:     d.PDFURL,
		ParentID:   parent,
	}
}

// StageEvent is one audit row for a stage transition or terminal action.
type StageEvent struct {
	ID         int64
	DocumentID string
	EventType  string
	FromStage  workflow.Stage
	ToStage    workflow.Stage
	Actor      string
	Reason     string
	CreatedAt  time.Time
}

// StageUpdate describes a compare-and-swap stage commit. PDFURL and
// HasContent are applied only when non-nil; NewStamp is the stamp to adopt.
type StageUpdate struct {
	Stage      workflow.Stage
	PDFURL     *string
	HasContent *bool
	NewStamp   int64
}
