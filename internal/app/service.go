package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"countersign/api/internal/auth"
	"countersign/api/internal/config"
	"countersign/api/internal/finalize"
	"countersign/api/internal/rbac"
	"countersign/api/internal/search"
	"countersign/api/internal/session"
	"countersign/api/internal/store"
	"countersign/api/internal/tenant"
	"countersign/api/internal/util"
	"countersign/api/internal/workflow"
)

// Session is the resolved caller identity for one request: who they are and
// which tenant their requests are scoped to.
type Session struct {
	Token        string
	UserID       string
	UserName     string
	ActiveTenant string
	JTI          string
	ExpiresAt    time.Time
}

type ParticipantInput struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Initials   string `json:"initials"`
	Email      string `json:"email"`
	IsExternal bool   `json:"isExternal"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	InsertTenant(context.Context, store.Tenant) error
	GetTenant(context.Context, string) (store.Tenant, error)
	InsertUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)
	UpsertMembership(context.Context, store.Membership) error
	ListMemberships(context.Context, string) ([]store.Membership, error)
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context, string) ([]store.Document, error)
	InsertDocument(context.Context, store.Document, workflow.GroupSet) error
	GetGroupSet(context.Context, string) (workflow.GroupSet, error)
	UpdateDocumentStage(context.Context, string, int64, store.StageUpdate) (int64, error)
	SaveGroupSet(context.Context, string, int64, workflow.GroupSet) (int64, error)
	DeleteDocument(context.Context, string, int64) error
	InsertStageEvent(context.Context, store.StageEvent) error
	ListStageEvents(context.Context, string, int) ([]store.StageEvent, error)
}

type sessionStore interface {
	SaveContext(ctx context.Context, tokenHash string, sc session.Context, expiresAt time.Time) error
	LookupContext(ctx context.Context, tokenHash string) (session.Context, error)
	RevokeContext(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type finalizer interface {
	Submit(ctx context.Context, input finalize.RenderInput) (*finalize.Outcome, string, error)
	Poll(ctx context.Context, jobID string) (finalize.Status, error)
	Wait(ctx context.Context, jobID string, interval, ceiling time.Duration) (finalize.Status, error)
}

// pendingCommit remembers the staleness stamp a deferred finalisation must
// present when its job completes.
type pendingCommit struct {
	documentID string
	expected   int64
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	tracker  finalizer
	search   *search.Service
	events   *workflow.Broadcaster

	pendingMu sync.Mutex
	pending   map[string]pendingCommit
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, tracker finalizer, searchSvc *search.Service, events *workflow.Broadcaster) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		tracker:  tracker,
		search:   searchSvc,
		events:   events,
		pending:  make(map[string]pendingCommit),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Events exposes the workflow broadcaster for observers.
func (s *Service) Events() *workflow.Broadcaster {
	return s.events
}

// Bootstrap seeds a development tenant, users and one document when the
// store is empty.
func (s *Service) Bootstrap(ctx context.Context) error {
	documents, err := s.store.ListDocuments(ctx, "acme")
	if err != nil {
		return err
	}
	if len(documents) > 0 {
		return nil
	}

	if err := s.store.InsertTenant(ctx, store.Tenant{Name: "acme", CompanyName: "Acme Legal", Status: store.TenantActive}); err != nil {
		return err
	}
	if err := s.store.InsertTenant(ctx, store.Tenant{Name: "globex", CompanyName: "Globex", Status: store.TenantActive}); err != nil {
		return err
	}

	users := []store.User{
		{ID: "usr_avery", DisplayName: "Avery Quinn", Initials: "AQ", Email: "avery@acme.test", HomeTenantName: "acme"},
		{ID: "usr_blake", DisplayName: "Blake Reyes", Initials: "BR", Email: "blake@acme.test", HomeTenantName: "acme"},
		{ID: "usr_casey", DisplayName: "Casey Moor", Initials: "CM", Email: "casey@globex.test", HomeTenantName: "globex"},
	}
	for _, u := range users {
		if err := s.store.InsertUser(ctx, u); err != nil {
			return err
		}
	}

	memberships := []store.Membership{
		{UserID: "usr_avery", TenantName: "acme", InvitationStatus: store.InvitationActive, TenantDisplayName: "Acme Legal"},
		{UserID: "usr_blake", TenantName: "acme", InvitationStatus: store.InvitationActive, TenantDisplayName: "Acme Legal"},
		{UserID: "usr_casey", TenantName: "globex", InvitationStatus: store.InvitationActive, TenantDisplayName: "Globex"},
		{UserID: "usr_casey", TenantName: "acme", InvitationStatus: store.InvitationActive, TenantDisplayName: "Acme Legal"},
	}
	for _, m := range memberships {
		if err := s.store.UpsertMembership(ctx, m); err != nil {
			return err
		}
	}

	owner := workflow.Participant{ID: "usr_avery", Name: "Avery Quinn", Initials: "AQ", Email: "avery@acme.test"}
	doc := store.Document{
		ID:         "doc_msa_2026",
		TenantName: "acme",
		Title:      "Master Services Agreement 2026",
		Stage:      workflow.StagePreApprove,
		EditStamp:  time.Now().UnixMilli(),
		CreatedBy:  "usr_avery",
	}
	if err := s.store.InsertDocument(ctx, doc, workflow.DefaultGroupSet(owner)); err != nil {
		return err
	}
	s.indexDocument(doc)
	return nil
}

// --- sessions ---

// Login resolves a seeded user into a tenant-scoped session. Real identity
// handshakes live upstream; this is the development entry point.
func (s *Service) Login(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		return Session{}, err
	}
	memberships, err := s.store.ListMemberships(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}

	active := ""
	if tenant.HasActiveMembership(memberships, user.HomeTenantName) {
		active = user.HomeTenantName
	} else {
		for _, m := range memberships {
			if m.InvitationStatus == store.InvitationActive {
				active = m.TenantName
				break
			}
		}
	}
	if active == "" {
		return Session{}, domainError(http.StatusForbidden, "NO_ACTIVE_MEMBERSHIP", "User has no organization to act in", nil)
	}

	return s.issueSession(ctx, user, active)
}

func (s *Service) issueSession(ctx context.Context, user store.User, activeTenant string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:          user.ID,
		Name:         user.DisplayName,
		ActiveTenant: activeTenant,
		JTI:          jti,
		Exp:          expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	sc := session.Context{UserID: user.ID, UserName: user.DisplayName, ActiveTenant: activeTenant, CreatedAt: now}
	if err := s.sessions.SaveContext(ctx, auth.HashToken(token), sc, expiresAt); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		ActiveTenant: activeTenant,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	sc, err := s.sessions.LookupContext(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:        token,
		UserID:       sc.UserID,
		UserName:     sc.UserName,
		ActiveTenant: sc.ActiveTenant,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh reissues the caller's session with a new expiry and revokes the
// presented token. The active tenant carries over unchanged.
func (s *Service) Refresh(ctx context.Context, sess Session) (Session, error) {
	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return Session{}, err
	}
	issued, err := s.issueSession(ctx, user, sess.ActiveTenant)
	if err != nil {
		return Session{}, err
	}
	_ = s.sessions.RevokeContext(ctx, auth.HashToken(sess.Token))
	return issued, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.Token == "" {
		return nil
	}
	return s.sessions.RevokeContext(ctx, auth.HashToken(sess.Token))
}

// SwitchTenant scopes the caller to another organization by issuing a fresh
// session context. Membership data is never mutated.
func (s *Service) SwitchTenant(ctx context.Context, sess Session, targetTenant string) (Session, error) {
	target := strings.TrimSpace(targetTenant)
	if target == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tenantName is required", nil)
	}

	current := tenant.SessionContext{UserID: sess.UserID, ActiveTenant: sess.ActiveTenant}
	next := tenant.SwitchActiveTenant(current, target)
	if next == current {
		return sess, nil
	}

	memberships, err := s.store.ListMemberships(ctx, sess.UserID)
	if err != nil {
		return Session{}, err
	}
	if !tenant.HasActiveMembership(memberships, target) {
		return Session{}, domainError(http.StatusForbidden, "TENANT_ACCESS_DENIED", "No active membership in this organization", nil)
	}

	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return Session{}, err
	}
	issued, err := s.issueSession(ctx, user, next.ActiveTenant)
	if err != nil {
		return Session{}, err
	}
	_ = s.sessions.RevokeContext(ctx, auth.HashToken(sess.Token))
	return issued, nil
}

// Memberships classifies the caller's organizations for the account switcher.
func (s *Service) Memberships(ctx context.Context, sess Session) (map[string]any, error) {
	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	memberships, err := s.store.ListMemberships(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	classified := tenant.Classify(user, memberships)
	return map[string]any{
		"activeTenant":          sess.ActiveTenant,
		"home":                  membershipPayloads(classified.Home),
		"external":              membershipPayloads(classified.External),
		"canCreateOrganization": tenant.CanCreateOwnOrganization(user, memberships),
	}, nil
}

func membershipPayloads(items []store.Membership) []map[string]any {
	payloads := make([]map[string]any, 0, len(items))
	for _, m := range items {
		payloads = append(payloads, map[string]any{
			"tenantName":       m.TenantName,
			"displayName":      tenant.DisplayName(m),
			"invitationStatus": string(m.InvitationStatus),
		})
	}
	return payloads
}

// --- documents ---

// loadDocument fetches a document scoped to the session's tenant. Documents
// in other tenants are reported as not found, never as forbidden.
func (s *Service) loadDocument(ctx context.Context, sess Session, documentID string) (store.Document, workflow.GroupSet, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, nil, err
	}
	if doc.TenantName != sess.ActiveTenant {
		return store.Document{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	groups, err := s.store.GetGroupSet(ctx, documentID)
	if err != nil {
		return store.Document{}, nil, err
	}
	return doc, groups, nil
}

// roleFor derives the caller's document role from group membership.
func roleFor(userID string, groups workflow.GroupSet) rbac.Role {
	for _, group := range groups {
		for _, p := range group.Participants {
			if p.ID != userID {
				continue
			}
			if group.Role == workflow.RoleOwners {
				return rbac.RoleOwner
			}
			return rbac.RoleParticipant
		}
	}
	return rbac.RoleViewer
}

func (s *Service) requireRole(sess Session, groups workflow.GroupSet, action rbac.Action) error {
	if !rbac.Can(roleFor(sess.UserID, groups), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, sess Session) ([]map[string]any, error) {
	documents, err := s.store.ListDocuments(ctx, sess.ActiveTenant)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, map[string]any{
			"id":        doc.ID,
			"title":     doc.Title,
			"stage":     string(doc.Stage),
			"editStamp": doc.EditStamp,
			"updatedAt": doc.UpdatedAt,
		})
	}
	return items, nil
}

func (s *Service) CreateDocument(ctx context.Context, sess Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	owner := workflow.Participant{ID: user.ID, Name: user.DisplayName, Initials: user.Initials, Email: user.Email}
	doc := store.Document{
		ID:         util.NewID("doc"),
		TenantName: sess.ActiveTenant,
		Title:      title,
		Stage:      workflow.StagePreApprove,
		EditStamp:  time.Now().UnixMilli(),
		CreatedBy:  sess.UserID,
	}
	groups := workflow.DefaultGroupSet(owner)
	if err := s.store.InsertDocument(ctx, doc, groups); err != nil {
		return nil, err
	}
	s.indexDocument(doc)
	return documentPayload(doc, groups, sess.UserID), nil
}

func (s *Service) GetDocumentState(ctx context.Context, sess Session, documentID string) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc, groups, sess.UserID), nil
}

func documentPayload(doc store.Document, groups workflow.GroupSet, viewerID string) map[string]any {
	wdoc := doc.Workflow()

	groupPayloads := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		participants := make([]map[string]any, 0, len(group.Participants))
		for _, p := range group.Participants {
			participants = append(participants, map[string]any{
				"id":         p.ID,
				"name":       p.Name,
				"initials":   p.Initials,
				"email":      p.Email,
				"isExternal": p.IsExternal,
				"signed":     p.Signed,
			})
		}
		payload := map[string]any{
			"role":         string(group.Role),
			"title":        group.Title,
			"signingOrder": group.SigningOrder,
			"complete":     workflow.IsGroupComplete(group),
			"participants": participants,
		}
		if signer, ok := workflow.ActiveSigner(group); ok {
			payload["activeSigner"] = signer
		}
		groupPayloads = append(groupPayloads, payload)
	}

	var parentID any
	if doc.ParentID != nil {
		parentID = *doc.ParentID
	}

	return map[string]any{
		"id":          doc.ID,
		"title":       doc.Title,
		"tenant":      doc.TenantName,
		"stage":       string(doc.Stage),
		"editStamp":   doc.EditStamp,
		"hasContent":  doc.HasContent,
		"pdfUrl":      doc.PDFURL,
		"parentId":    parentID,
		"canAdvance":  workflow.CanAdvance(wdoc, groups),
		"disposition": string(workflow.VoidOrDelete(wdoc, groups)),
		"viewerRole":  string(roleFor(viewerID, groups)),
		"groups":      groupPayloads,
	}
}

// GoToStage moves a document one stage forward or back. Advancing out of
// Closed routes through the finalisation job instead of a direct write.
func (s *Service) GoToStage(ctx context.Context, sess Session, documentID, direction, reason string, expectedStamp int64) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(sess, groups, rbac.ActionManage); err != nil {
		return nil, err
	}
	wdoc := doc.Workflow()
	// The CAS write compares the caller's stamp, not the one just read.
	doc.EditStamp = expectedStamp

	switch direction {
	case "advance":
		next, err := workflow.Advance(wdoc, groups)
		if err != nil {
			return nil, err
		}
		if next == workflow.StageFinalised {
			return s.Finalize(ctx, sess, documentID, expectedStamp, false)
		}
		return s.commitStage(ctx, sess, doc, next, "", store.StageUpdate{Stage: next, NewStamp: time.Now().UnixMilli()})

	case "goBack":
		if wdoc.Stage == workflow.StageFinalised {
			// Reopening discards the produced PDF and returns to Closed.
			next, err := workflow.Reopen(wdoc)
			if err != nil {
				return nil, err
			}
			if len([]rune(strings.TrimSpace(reason))) < s.cfg.MinReasonLen {
				return nil, workflow.ErrReasonTooShort
			}
			empty := ""
			return s.commitStage(ctx, sess, doc, next, reason, store.StageUpdate{Stage: next, PDFURL: &empty, NewStamp: time.Now().UnixMilli()})
		}
		next, err := workflow.GoBack(wdoc, reason, s.cfg.MinReasonLen)
		if err != nil {
			return nil, err
		}
		return s.commitStage(ctx, sess, doc, next, reason, store.StageUpdate{Stage: next, NewStamp: time.Now().UnixMilli()})

	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", `direction must be "advance" or "goBack"`, nil)
	}
}

// commitStage performs the CAS stage write using the caller-presented stamp
// carried on doc, records the audit row and publishes the event.
func (s *Service) commitStage(ctx context.Context, sess Session, doc store.Document, next workflow.Stage, reason string, update store.StageUpdate) (map[string]any, error) {
	newStamp, err := s.store.UpdateDocumentStage(ctx, doc.ID, doc.EditStamp, update)
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, store.StageEvent{
		DocumentID: doc.ID,
		EventType:  string(workflow.EventStageChanged),
		FromStage:  doc.Stage,
		ToStage:    next,
		Actor:      sess.UserID,
		Reason:     reason,
	})
	s.publish(workflow.Event{Kind: workflow.EventStageChanged, DocumentID: doc.ID, From: doc.Stage, To: next, Actor: sess.UserID, Reason: reason})

	doc.Stage = next
	doc.EditStamp = newStamp
	if update.PDFURL != nil {
		doc.PDFURL = *update.PDFURL
	}
	s.indexDocument(doc)

	groups, err := s.store.GetGroupSet(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	return documentPayload(doc, groups, sess.UserID), nil
}

// Void moves the document into the absorbing Voided stage with a recorded
// reason. Voided documents stay readable forever.
func (s *Service) Void(ctx context.Context, sess Session, documentID, reason string, expectedStamp int64) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(sess, groups, rbac.ActionDiscard); err != nil {
		return nil, err
	}
	if len([]rune(strings.TrimSpace(reason))) < s.cfg.MinReasonLen {
		return nil, workflow.ErrReasonTooShort
	}

	next, err := workflow.Void(doc.Workflow())
	if err != nil {
		return nil, err
	}

	newStamp, err := s.store.UpdateDocumentStage(ctx, doc.ID, expectedStamp, store.StageUpdate{Stage: next, NewStamp: time.Now().UnixMilli()})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, store.StageEvent{
		DocumentID: doc.ID,
		EventType:  string(workflow.EventDocumentVoided),
		FromStage:  doc.Stage,
		ToStage:    next,
		Actor:      sess.UserID,
		Reason:     reason,
	})
	s.publish(workflow.Event{Kind: workflow.EventDocumentVoided, DocumentID: doc.ID, From: doc.Stage, To: next, Actor: sess.UserID, Reason: reason})

	doc.Stage = next
	doc.EditStamp = newStamp
	s.indexDocument(doc)

	return documentPayload(doc, groups, sess.UserID), nil
}

// Delete removes a pristine document outright. A document with any signature
// or authored content must be voided instead.
func (s *Service) Delete(ctx context.Context, sess Session, documentID string, expectedStamp int64) error {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return err
	}
	if err := s.requireRole(sess, groups, rbac.ActionDiscard); err != nil {
		return err
	}
	if workflow.VoidOrDelete(doc.Workflow(), groups) == workflow.DispositionVoid {
		return domainError(http.StatusConflict, "VOID_REQUIRED", "Document carries signatures or content and must be voided", nil)
	}

	if err := s.store.DeleteDocument(ctx, documentID, expectedStamp); err != nil {
		return err
	}

	s.recordEvent(ctx, store.StageEvent{
		DocumentID: doc.ID,
		EventType:  string(workflow.EventDocumentDeleted),
		FromStage:  doc.Stage,
		Actor:      sess.UserID,
	})
	s.publish(workflow.Event{Kind: workflow.EventDocumentDeleted, DocumentID: doc.ID, From: doc.Stage, Actor: sess.UserID})
	if s.search != nil {
		s.search.DeleteDocument(doc.ID)
	}
	return nil
}

// CreateControlledCopy starts a fresh lifecycle from an existing document:
// same groups, all signatures cleared, stage reset, parent recorded.
func (s *Service) CreateControlledCopy(ctx context.Context, sess Session, documentID string) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(sess, groups, rbac.ActionManage); err != nil {
		return nil, err
	}

	parentID := doc.ID
	copyDoc := store.Document{
		ID:         util.NewID("doc"),
		TenantName: doc.TenantName,
		Title:      doc.Title,
		Stage:      workflow.StagePreApprove,
		EditStamp:  time.Now().UnixMilli(),
		ParentID:   &parentID,
		CreatedBy:  sess.UserID,
	}
	copyGroups := groups.ClearSignatures()
	if err := s.store.InsertDocument(ctx, copyDoc, copyGroups); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, store.StageEvent{
		DocumentID: doc.ID,
		EventType:  string(workflow.EventControlledCopyMade),
		Actor:      sess.UserID,
		Reason:     copyDoc.ID,
	})
	s.publish(workflow.Event{Kind: workflow.EventControlledCopyMade, DocumentID: copyDoc.ID, Actor: sess.UserID})
	s.indexDocument(copyDoc)

	return documentPayload(copyDoc, copyGroups, sess.UserID), nil
}

// MarkContent records whether the document has authored content. The editor
// host signals this; the disposition policy depends on it.
func (s *Service) MarkContent(ctx context.Context, sess Session, documentID string, hasContent bool, expectedStamp int64) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(sess, groups, rbac.ActionManage); err != nil {
		return nil, err
	}
	if doc.Stage.Terminal() {
		return nil, workflow.ErrTerminalState
	}

	newStamp, err := s.store.UpdateDocumentStage(ctx, doc.ID, expectedStamp, store.StageUpdate{
		Stage:      doc.Stage,
		HasContent: &hasContent,
		NewStamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	doc.HasContent = hasContent
	doc.EditStamp = newStamp
	return documentPayload(doc, groups, sess.UserID), nil
}

// --- participant groups ---

func (s *Service) mutateGroups(ctx context.Context, sess Session, documentID string, expectedStamp int64, action rbac.Action, fn func(store.Document, workflow.GroupSet) (workflow.GroupSet, error)) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(sess, groups, action); err != nil {
		return nil, err
	}
	if doc.Stage.Terminal() {
		return nil, workflow.ErrTerminalState
	}

	updated, err := fn(doc, groups)
	if err != nil {
		return nil, err
	}
	newStamp, err := s.store.SaveGroupSet(ctx, documentID, expectedStamp, updated)
	if err != nil {
		return nil, err
	}
	doc.EditStamp = newStamp
	return documentPayload(doc, updated, sess.UserID), nil
}

func (s *Service) AddParticipant(ctx context.Context, sess Session, documentID, role string, input ParticipantInput, expectedStamp int64) (map[string]any, error) {
	groupRole := workflow.NormalizeGroupRole(role)
	if input.ID == "" || input.Name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "participant id and name are required", nil)
	}
	return s.mutateGroups(ctx, sess, documentID, expectedStamp, rbac.ActionManage, func(_ store.Document, groups workflow.GroupSet) (workflow.GroupSet, error) {
		return groups.AddParticipant(groupRole, workflow.Participant{
			ID:         input.ID,
			Name:       input.Name,
			Initials:   input.Initials,
			Email:      input.Email,
			IsExternal: input.IsExternal,
		})
	})
}

func (s *Service) RemoveParticipant(ctx context.Context, sess Session, documentID, role, participantID string, expectedStamp int64) (map[string]any, error) {
	groupRole := workflow.NormalizeGroupRole(role)
	return s.mutateGroups(ctx, sess, documentID, expectedStamp, rbac.ActionManage, func(_ store.Document, groups workflow.GroupSet) (workflow.GroupSet, error) {
		return groups.RemoveParticipant(groupRole, participantID)
	})
}

func (s *Service) ReorderParticipant(ctx context.Context, sess Session, documentID, role, participantID, direction string, expectedStamp int64) (map[string]any, error) {
	groupRole := workflow.NormalizeGroupRole(role)
	var dir workflow.Direction
	switch direction {
	case "up":
		dir = workflow.DirectionUp
	case "down":
		dir = workflow.DirectionDown
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", `direction must be "up" or "down"`, nil)
	}
	return s.mutateGroups(ctx, sess, documentID, expectedStamp, rbac.ActionManage, func(_ store.Document, groups workflow.GroupSet) (workflow.GroupSet, error) {
		return groups.Reorder(groupRole, participantID, dir)
	})
}

func (s *Service) SetSigningOrder(ctx context.Context, sess Session, documentID, role string, enabled bool, expectedStamp int64) (map[string]any, error) {
	groupRole := workflow.NormalizeGroupRole(role)
	return s.mutateGroups(ctx, sess, documentID, expectedStamp, rbac.ActionManage, func(_ store.Document, groups workflow.GroupSet) (workflow.GroupSet, error) {
		return groups.SetSigningOrder(groupRole, enabled)
	})
}

// Sign records the caller's signature in a stage group. Groups with signing
// order enforce the active-signer rule.
func (s *Service) Sign(ctx context.Context, sess Session, documentID, role string, expectedStamp int64) (map[string]any, error) {
	groupRole := workflow.NormalizeGroupRole(role)
	payload, err := s.mutateGroups(ctx, sess, documentID, expectedStamp, rbac.ActionSign, func(doc store.Document, groups workflow.GroupSet) (workflow.GroupSet, error) {
		stageRole, ok := workflow.StageRole(doc.Stage)
		if !ok || stageRole != groupRole {
			return nil, domainError(http.StatusConflict, "WRONG_STAGE", "Group does not sign in the current stage", nil)
		}
		group, ok := groups.Group(groupRole)
		if !ok {
			return nil, workflow.ErrUnknownGroup
		}
		signed, err := workflow.Sign(group, sess.UserID)
		if err != nil {
			return nil, err
		}
		updated := make(workflow.GroupSet, len(groups))
		copy(updated, groups)
		for i := range updated {
			if updated[i].Role == groupRole {
				updated[i] = signed
			}
		}
		return updated, nil
	})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, store.StageEvent{
		DocumentID: documentID,
		EventType:  string(workflow.EventSignatureRecorded),
		Actor:      sess.UserID,
		Reason:     string(groupRole),
	})
	s.publish(workflow.Event{Kind: workflow.EventSignatureRecorded, DocumentID: documentID, Actor: sess.UserID})
	return payload, nil
}

// --- finalisation ---

// Finalize submits the PDF production job for a document at Closed. Within
// the inline timeout the result is committed synchronously; otherwise the
// call degrades to an accepted job the caller polls. Finalising an already
// finalised document is a no-op returning the existing pdfUrl.
func (s *Service) Finalize(ctx context.Context, sess Session, documentID string, expectedStamp int64, wait bool) (map[string]any, error) {
	doc, groups, err := s.loadDocument(ctx, sess, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(sess, groups, rbac.ActionManage); err != nil {
		return nil, err
	}

	if doc.Stage == workflow.StageFinalised && doc.PDFURL != "" {
		return map[string]any{"status": "completed", "pdfUrl": doc.PDFURL, "editStamp": doc.EditStamp}, nil
	}

	wdoc := doc.Workflow()
	next, err := workflow.Advance(wdoc, groups)
	if err != nil {
		return nil, err
	}
	if next != workflow.StageFinalised {
		return nil, domainError(http.StatusUnprocessableEntity, "NOT_READY_TO_FINALISE", "Document must reach Closed before finalisation", map[string]any{"stage": string(doc.Stage)})
	}

	input := finalize.RenderInput{
		DocumentID: doc.ID,
		Title:      doc.Title,
		TenantName: s.tenantDisplay(ctx, doc.TenantName),
		Groups:     groups,
	}
	outcome, jobID, err := s.tracker.Submit(ctx, input)
	if err != nil {
		s.recordFailure(ctx, sess, doc, err)
		return nil, domainError(http.StatusBadGateway, "FINALISATION_FAILED", "PDF production failed", map[string]any{"error": err.Error()})
	}
	if outcome != nil {
		return s.commitFinalisation(ctx, sess, doc.ID, expectedStamp, outcome.PDFURL, outcome.CompletedAt)
	}

	s.pendingMu.Lock()
	s.pending[jobID] = pendingCommit{documentID: doc.ID, expected: expectedStamp}
	s.pendingMu.Unlock()

	if wait {
		return s.resolveJob(ctx, sess, jobID, true)
	}
	return map[string]any{"status": "accepted", "jobId": jobID}, nil
}

// PollFinalizeJob reports one observation of the job and, on completion,
// commits the stage transition with the stamp captured at submission.
func (s *Service) PollFinalizeJob(ctx context.Context, sess Session, jobID string, wait bool) (map[string]any, error) {
	return s.resolveJob(ctx, sess, jobID, wait)
}

func (s *Service) resolveJob(ctx context.Context, sess Session, jobID string, wait bool) (map[string]any, error) {
	var status finalize.Status
	var err error
	if wait {
		status, err = s.tracker.Wait(ctx, jobID, s.cfg.FinalizePollInterval, s.cfg.FinalizePollCeiling)
		if errors.Is(err, finalize.ErrWaitTimeout) {
			return map[string]any{"status": "processing", "jobId": jobID}, nil
		}
	} else {
		status, err = s.tracker.Poll(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	switch status.State {
	case finalize.StateProcessing:
		return map[string]any{"status": "processing", "jobId": jobID}, nil

	case finalize.StateCompleted:
		pending, ok := s.peekPending(jobID)
		if !ok {
			return map[string]any{"status": "completed", "pdfUrl": status.PDFURL}, nil
		}
		doc, err := s.store.GetDocument(ctx, pending.documentID)
		if err != nil {
			return nil, err
		}
		// The pending stamp stays claimable until an entitled caller observes
		// completion; a foreign poll must not consume it.
		if doc.TenantName != sess.ActiveTenant {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		if pending, ok = s.takePending(jobID); !ok {
			return map[string]any{"status": "completed", "pdfUrl": status.PDFURL}, nil
		}
		return s.commitFinalisation(ctx, sess, pending.documentID, pending.expected, status.PDFURL, status.CompletedAt)

	default:
		if pending, ok := s.takePending(jobID); ok {
			if doc, derr := s.store.GetDocument(ctx, pending.documentID); derr == nil {
				s.recordFailure(ctx, sess, doc, status.Err)
			}
		}
		detail := ""
		if status.Err != nil {
			detail = status.Err.Error()
		}
		return map[string]any{"status": "failed", "error": detail}, nil
	}
}

func (s *Service) peekPending(jobID string) (pendingCommit, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pending, ok := s.pending[jobID]
	return pending, ok
}

func (s *Service) takePending(jobID string) (pendingCommit, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	pending, ok := s.pending[jobID]
	if ok {
		delete(s.pending, jobID)
	}
	return pending, ok
}

// commitFinalisation applies the completed job through the regular staleness
// path. A stale stamp here surfaces as a conflict; the job's PDF is not lost,
// the caller re-reads and re-finalises.
func (s *Service) commitFinalisation(ctx context.Context, sess Session, documentID string, expected int64, pdfURL string, completedAt time.Time) (map[string]any, error) {
	newStamp, err := s.store.UpdateDocumentStage(ctx, documentID, expected, store.StageUpdate{
		Stage:    workflow.StageFinalised,
		PDFURL:   &pdfURL,
		NewStamp: completedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	s.recordEvent(ctx, store.StageEvent{
		DocumentID: documentID,
		EventType:  string(workflow.EventFinalisationDone),
		FromStage:  workflow.StageClosed,
		ToStage:    workflow.StageFinalised,
		Actor:      sess.UserID,
	})
	s.publish(workflow.Event{Kind: workflow.EventFinalisationDone, DocumentID: documentID, From: workflow.StageClosed, To: workflow.StageFinalised, Actor: sess.UserID})

	if doc, err := s.store.GetDocument(ctx, documentID); err == nil {
		s.indexDocument(doc)
	}
	return map[string]any{"status": "completed", "pdfUrl": pdfURL, "editStamp": newStamp}, nil
}

// recordFailure audits a failed finalisation. The document is not mutated.
func (s *Service) recordFailure(ctx context.Context, sess Session, doc store.Document, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	s.recordEvent(ctx, store.StageEvent{
		DocumentID: doc.ID,
		EventType:  string(workflow.EventFinalisationFailed),
		FromStage:  doc.Stage,
		Actor:      sess.UserID,
		Reason:     reason,
	})
	s.publish(workflow.Event{Kind: workflow.EventFinalisationFailed, DocumentID: doc.ID, From: doc.Stage, Actor: sess.UserID, Reason: reason})
}

func (s *Service) tenantDisplay(ctx context.Context, tenantName string) string {
	t, err := s.store.GetTenant(ctx, tenantName)
	if err != nil || t.CompanyName == "" {
		return tenant.DefaultDisplayName
	}
	return t.CompanyName
}

// --- audit & search ---

func (s *Service) StageEvents(ctx context.Context, sess Session, documentID string, limit int) ([]map[string]any, error) {
	if _, _, err := s.loadDocument(ctx, sess, documentID); err != nil {
		return nil, err
	}
	events, err := s.store.ListStageEvents(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, e := range events {
		items = append(items, map[string]any{
			"id":        e.ID,
			"eventType": e.EventType,
			"fromStage": string(e.FromStage),
			"toStage":   string(e.ToStage),
			"actor":     e.Actor,
			"reason":    e.Reason,
			"createdAt": e.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, sess Session, text, stage string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:         text,
		FilterTenant: sess.ActiveTenant,
		FilterStage:  stage,
		Limit:        limit,
		Offset:       offset,
	}), nil
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:     doc.ID,
		Title:  doc.Title,
		Tenant: doc.TenantName,
		Stage:  string(doc.Stage),
	})
}

func (s *Service) recordEvent(ctx context.Context, event store.StageEvent) {
	if err := s.store.InsertStageEvent(ctx, event); err != nil {
		log.Printf("stage event %s for %s not recorded: %v", event.EventType, event.DocumentID, err)
	}
}

func (s *Service) publish(event workflow.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(event)
}
