package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"countersign/api/internal/config"
	"countersign/api/internal/finalize"
	"countersign/api/internal/session"
	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
)

type fakeStore struct {
	getDocumentFn         func(context.Context, string) (store.Document, error)
	getGroupSetFn         func(context.Context, string) (workflow.GroupSet, error)
	updateDocumentStageFn func(context.Context, string, int64, store.StageUpdate) (int64, error)
	saveGroupSetFn        func(context.Context, string, int64, workflow.GroupSet) (int64, error)
	deleteDocumentFn      func(context.Context, string, int64) error
	getUserFn             func(context.Context, string) (store.User, error)
	listMembershipsFn     func(context.Context, string) ([]store.Membership, error)
	insertDocumentFn      func(context.Context, store.Document, workflow.GroupSet) error
	insertStageEventFn    func(context.Context, store.StageEvent) error
	getTenantFn           func(context.Context, string) (store.Tenant, error)
}

func (f *fakeStore) Ping(context.Context) error                       { return nil }
func (f *fakeStore) InsertTenant(context.Context, store.Tenant) error { return nil }
func (f *fakeStore) GetTenant(ctx context.Context, name string) (store.Tenant, error) {
	if f.getTenantFn != nil {
		return f.getTenantFn(ctx, name)
	}
	return store.Tenant{Name: name, CompanyName: "Acme Legal"}, nil
}
func (f *fakeStore) InsertUser(context.Context, store.User) error { return nil }
func (f *fakeStore) GetUser(ctx context.Context, userID string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery Quinn", HomeTenantName: "acme"}, nil
}
func (f *fakeStore) UpsertMembership(context.Context, store.Membership) error { return nil }
func (f *fakeStore) ListMemberships(ctx context.Context, userID string) ([]store.Membership, error) {
	if f.listMembershipsFn != nil {
		return f.listMembershipsFn(ctx, userID)
	}
	return []store.Membership{{UserID: userID, TenantName: "acme", InvitationStatus: store.InvitationActive}}, nil
}
func (f *fakeStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, documentID)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) ListDocuments(context.Context, string) ([]store.Document, error) {
	return nil, nil
}
func (f *fakeStore) InsertDocument(ctx context.Context, doc store.Document, groups workflow.GroupSet) error {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, doc, groups)
	}
	return nil
}
func (f *fakeStore) GetGroupSet(ctx context.Context, documentID string) (workflow.GroupSet, error) {
	if f.getGroupSetFn != nil {
		return f.getGroupSetFn(ctx, documentID)
	}
	return workflow.GroupSet{}, nil
}
func (f *fakeStore) UpdateDocumentStage(ctx context.Context, documentID string, expected int64, update store.StageUpdate) (int64, error) {
	if f.updateDocumentStageFn != nil {
		return f.updateDocumentStageFn(ctx, documentID, expected, update)
	}
	return update.NewStamp, nil
}
func (f *fakeStore) SaveGroupSet(ctx context.Context, documentID string, expected int64, groups workflow.GroupSet) (int64, error) {
	if f.saveGroupSetFn != nil {
		return f.saveGroupSetFn(ctx, documentID, expected, groups)
	}
	return expected + 1, nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, documentID string, expected int64) error {
	if f.deleteDocumentFn != nil {
		return f.deleteDocumentFn(ctx, documentID, expected)
	}
	return nil
}
func (f *fakeStore) InsertStageEvent(ctx context.Context, event store.StageEvent) error {
	if f.insertStageEventFn != nil {
		return f.insertStageEventFn(ctx, event)
	}
	return nil
}
func (f *fakeStore) ListStageEvents(context.Context, string, int) ([]store.StageEvent, error) {
	return nil, nil
}

type fakeSessions struct {
	saved   map[string]session.Context
	revoked []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]session.Context)}
}

func (f *fakeSessions) SaveContext(_ context.Context, tokenHash string, sc session.Context, _ time.Time) error {
	f.saved[tokenHash] = sc
	return nil
}
func (f *fakeSessions) LookupContext(_ context.Context, tokenHash string) (session.Context, error) {
	sc, ok := f.saved[tokenHash]
	if !ok {
		return session.Context{}, session.ErrNotFound
	}
	return sc, nil
}
func (f *fakeSessions) RevokeContext(_ context.Context, tokenHash string) error {
	f.revoked = append(f.revoked, tokenHash)
	delete(f.saved, tokenHash)
	return nil
}
func (f *fakeSessions) Ping(context.Context) error { return nil }

type fakeTracker struct {
	submitFn func(context.Context, finalize.RenderInput) (*finalize.Outcome, string, error)
	pollFn   func(context.Context, string) (finalize.Status, error)
}

func (f *fakeTracker) Submit(ctx context.Context, input finalize.RenderInput) (*finalize.Outcome, string, error) {
	if f.submitFn != nil {
		return f.submitFn(ctx, input)
	}
	return &finalize.Outcome{PDFURL: "https://files.local/out.pdf", CompletedAt: time.Now()}, "", nil
}
func (f *fakeTracker) Poll(ctx context.Context, jobID string) (finalize.Status, error) {
	if f.pollFn != nil {
		return f.pollFn(ctx, jobID)
	}
	return finalize.Status{}, finalize.ErrUnknownJob
}
func (f *fakeTracker) Wait(ctx context.Context, jobID string, _, _ time.Duration) (finalize.Status, error) {
	return f.Poll(ctx, jobID)
}

func testConfig() config.Config {
	return config.Config{
		SessionSecret: "test-secret",
		AccessTTL:     time.Minute,
		MinReasonLen:  10,
	}
}

func newTestService(fs *fakeStore, ft *fakeTracker) *Service {
	if ft == nil {
		ft = &fakeTracker{}
	}
	return New(testConfig(), fs, newFakeSessions(), ft, nil, workflow.NewBroadcaster())
}

func ownerSession() Session {
	return Session{Token: "t", UserID: "usr_avery", UserName: "Avery Quinn", ActiveTenant: "acme"}
}

func ownedGroups() workflow.GroupSet {
	return workflow.DefaultGroupSet(workflow.Participant{ID: "usr_avery", Name: "Avery Quinn", Initials: "AQ"})
}

func docAt(stage workflow.Stage) store.Document {
	return store.Document{
		ID:         "doc-1",
		TenantName: "acme",
		Title:      "MSA",
		Stage:      stage,
		EditStamp:  100,
	}
}

func TestGoToStageAdvancePresentsCallerStamp(t *testing.T) {
	var gotExpected int64
	var gotStage workflow.Stage
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(_ context.Context, _ string, expected int64, update store.StageUpdate) (int64, error) {
			gotExpected = expected
			gotStage = update.Stage
			return update.NewStamp, nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "advance", "", 42)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if gotExpected != 42 {
		t.Fatalf("CAS must use the caller's stamp, got %d", gotExpected)
	}
	if gotStage != workflow.StagePostApprove {
		t.Fatalf("expected PostApprove, got %s", gotStage)
	}
	if payload["stage"] != string(workflow.StagePostApprove) {
		t.Fatalf("unexpected payload stage: %v", payload["stage"])
	}
}

func TestGoToStageStaleStampConflict(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(context.Context, string, int64, store.StageUpdate) (int64, error) {
			return 0, &store.StaleError{DocumentID: "doc-1", Expected: 42, Current: 107}
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "advance", "", 42)
	status, code, _, details := mapError(err)
	if status != http.StatusConflict || code != "STALE_DOCUMENT" {
		t.Fatalf("expected 409 STALE_DOCUMENT, got %d %s", status, code)
	}
	if details.(map[string]any)["current"] != int64(107) {
		t.Fatalf("conflict must carry the authoritative stamp: %v", details)
	}
}

func TestAdvanceBlockedByIncompleteSignatures(t *testing.T) {
	groups := ownedGroups()
	groups, err := groups.AddParticipant(workflow.RolePreApproval, workflow.Participant{ID: "usr_blake", Name: "Blake Reyes"})
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StagePreApprove), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return groups, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err = svc.GoToStage(context.Background(), ownerSession(), "doc-1", "advance", "", 100)
	if !errors.Is(err, workflow.ErrIncompleteSignatures) {
		t.Fatalf("expected ErrIncompleteSignatures, got %v", err)
	}
}

func TestGoBackRequiresReason(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
	}
	svc := newTestService(fs, nil)

	if _, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "goBack", "too short", 100); !errors.Is(err, workflow.ErrReasonTooShort) {
		t.Fatalf("expected ErrReasonTooShort, got %v", err)
	}
	if _, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "goBack", "signer list was wrong", 100); err != nil {
		t.Fatalf("goBack with reason failed: %v", err)
	}
}

func TestNonOwnerCannotDriveStages(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
	}
	svc := newTestService(fs, nil)

	viewer := Session{Token: "t", UserID: "usr_casey", ActiveTenant: "acme"}
	_, err := svc.GoToStage(context.Background(), viewer, "doc-1", "advance", "", 100)
	status, code, _, _ := mapError(err)
	if status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %s", status, code)
	}
}

func TestTenantIsolationHidesForeignDocuments(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			doc := docAt(workflow.StageExecute)
			doc.TenantName = "globex"
			return doc, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.GetDocumentState(context.Background(), ownerSession(), "doc-1")
	status, code, _, _ := mapError(err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("foreign documents must read as not found, got %d %s", status, code)
	}
}

func TestDeleteRefusedOnceSigned(t *testing.T) {
	groups := ownedGroups()
	groups, _ = groups.AddParticipant(workflow.RolePreApproval, workflow.Participant{ID: "usr_blake", Name: "Blake Reyes"})
	group, _ := groups.Group(workflow.RolePreApproval)
	signed, err := workflow.Sign(group, "usr_blake")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	for i := range groups {
		if groups[i].Role == workflow.RolePreApproval {
			groups[i] = signed
		}
	}

	deleted := false
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StagePreApprove), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return groups, nil
		},
		deleteDocumentFn: func(context.Context, string, int64) error {
			deleted = true
			return nil
		},
	}
	svc := newTestService(fs, nil)

	err = svc.Delete(context.Background(), ownerSession(), "doc-1", 100)
	status, code, _, _ := mapError(err)
	if status != http.StatusConflict || code != "VOID_REQUIRED" {
		t.Fatalf("expected 409 VOID_REQUIRED, got %d %s", status, code)
	}
	if deleted {
		t.Fatalf("signed document must not be deleted")
	}
}

func TestDeletePristineDocument(t *testing.T) {
	deleted := false
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StagePreApprove), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		deleteDocumentFn: func(_ context.Context, _ string, expected int64) error {
			if expected != 100 {
				t.Fatalf("delete must present the caller's stamp, got %d", expected)
			}
			deleted = true
			return nil
		},
	}
	svc := newTestService(fs, nil)

	if err := svc.Delete(context.Background(), ownerSession(), "doc-1", 100); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted {
		t.Fatalf("expected delete to reach the store")
	}
}

func TestSignEnforcesSigningOrder(t *testing.T) {
	groups := ownedGroups()
	groups, _ = groups.AddParticipant(workflow.RolePreApproval, workflow.Participant{ID: "usr_alice", Name: "Alice"})
	groups, _ = groups.AddParticipant(workflow.RolePreApproval, workflow.Participant{ID: "usr_bob", Name: "Bob"})
	groups, _ = groups.SetSigningOrder(workflow.RolePreApproval, true)

	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StagePreApprove), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return groups, nil
		},
	}
	svc := newTestService(fs, nil)

	bob := Session{Token: "t", UserID: "usr_bob", ActiveTenant: "acme"}
	if _, err := svc.Sign(context.Background(), bob, "doc-1", "PRE_APPROVAL", 100); !errors.Is(err, workflow.ErrNotActiveSigner) {
		t.Fatalf("expected ErrNotActiveSigner for out-of-turn signer, got %v", err)
	}

	alice := Session{Token: "t", UserID: "usr_alice", ActiveTenant: "acme"}
	payload, err := svc.Sign(context.Background(), alice, "doc-1", "PRE_APPROVAL", 100)
	if err != nil {
		t.Fatalf("active signer must be able to sign: %v", err)
	}
	if payload == nil {
		t.Fatalf("expected document payload after signing")
	}
}

func TestSignRejectedOutsideGroupStage(t *testing.T) {
	groups := ownedGroups()
	groups, _ = groups.AddParticipant(workflow.RolePostApproval, workflow.Participant{ID: "usr_alice", Name: "Alice"})

	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StagePreApprove), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return groups, nil
		},
	}
	svc := newTestService(fs, nil)

	alice := Session{Token: "t", UserID: "usr_alice", ActiveTenant: "acme"}
	_, err := svc.Sign(context.Background(), alice, "doc-1", "POST_APPROVAL", 100)
	status, code, _, _ := mapError(err)
	if status != http.StatusConflict || code != "WRONG_STAGE" {
		t.Fatalf("expected 409 WRONG_STAGE, got %d %s", status, code)
	}
}

func TestFinalizeSynchronousCommit(t *testing.T) {
	completedAt := time.Now()
	var committed store.StageUpdate
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageClosed), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(_ context.Context, _ string, expected int64, update store.StageUpdate) (int64, error) {
			if expected != 100 {
				t.Fatalf("finalise must present the caller's stamp, got %d", expected)
			}
			committed = update
			return update.NewStamp, nil
		},
	}
	ft := &fakeTracker{
		submitFn: func(context.Context, finalize.RenderInput) (*finalize.Outcome, string, error) {
			return &finalize.Outcome{PDFURL: "https://files.local/doc-1.pdf", CompletedAt: completedAt}, "", nil
		},
	}
	svc := newTestService(fs, ft)

	payload, err := svc.Finalize(context.Background(), ownerSession(), "doc-1", 100, false)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if payload["status"] != "completed" || payload["pdfUrl"] != "https://files.local/doc-1.pdf" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if committed.Stage != workflow.StageFinalised || committed.PDFURL == nil || *committed.PDFURL != "https://files.local/doc-1.pdf" {
		t.Fatalf("unexpected commit: %+v", committed)
	}
	if committed.NewStamp != completedAt.UnixMilli() {
		t.Fatalf("new stamp must be the completion timestamp")
	}
}

func TestFinalizeDegradesAndPollCommits(t *testing.T) {
	committed := false
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageClosed), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(_ context.Context, _ string, expected int64, update store.StageUpdate) (int64, error) {
			if expected != 100 {
				t.Fatalf("deferred commit must use the stamp captured at submission, got %d", expected)
			}
			committed = true
			return update.NewStamp, nil
		},
	}
	polls := 0
	ft := &fakeTracker{
		submitFn: func(context.Context, finalize.RenderInput) (*finalize.Outcome, string, error) {
			return nil, "fin_1", nil
		},
		pollFn: func(_ context.Context, jobID string) (finalize.Status, error) {
			polls++
			if polls < 3 {
				return finalize.Status{State: finalize.StateProcessing}, nil
			}
			return finalize.Status{State: finalize.StateCompleted, PDFURL: "https://files.local/doc-1.pdf", CompletedAt: time.Now()}, nil
		},
	}
	svc := newTestService(fs, ft)

	payload, err := svc.Finalize(context.Background(), ownerSession(), "doc-1", 100, false)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if payload["status"] != "accepted" || payload["jobId"] != "fin_1" {
		t.Fatalf("expected accepted job, got %v", payload)
	}

	for i := 0; i < 2; i++ {
		payload, err = svc.PollFinalizeJob(context.Background(), ownerSession(), "fin_1", false)
		if err != nil {
			t.Fatalf("poll failed: %v", err)
		}
		if payload["status"] != "processing" {
			t.Fatalf("expected processing, got %v", payload)
		}
	}

	payload, err = svc.PollFinalizeJob(context.Background(), ownerSession(), "fin_1", false)
	if err != nil {
		t.Fatalf("terminal poll failed: %v", err)
	}
	if payload["status"] != "completed" || !committed {
		t.Fatalf("completion must commit the stage transition: %v", payload)
	}
}

func TestGoBackFromFinalisedRequiresFullReason(t *testing.T) {
	var committed store.StageUpdate
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			doc := docAt(workflow.StageFinalised)
			doc.PDFURL = "https://files.local/doc-1.pdf"
			return doc, nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(_ context.Context, _ string, _ int64, update store.StageUpdate) (int64, error) {
			committed = update
			return update.NewStamp, nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "goBack", "x", 100)
	if !errors.Is(err, workflow.ErrReasonTooShort) {
		t.Fatalf("a one-character reopen reason must be rejected, got %v", err)
	}

	payload, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "goBack", "terms renegotiated after signing", 100)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if payload["stage"] != string(workflow.StageClosed) {
		t.Fatalf("reopen must land on Closed, got %v", payload["stage"])
	}
	if committed.PDFURL == nil || *committed.PDFURL != "" {
		t.Fatalf("reopening must discard the produced PDF: %+v", committed)
	}
}

func TestForeignTenantPollKeepsPendingCommit(t *testing.T) {
	committed := false
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageClosed), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(_ context.Context, _ string, expected int64, update store.StageUpdate) (int64, error) {
			if expected != 100 {
				t.Fatalf("deferred commit must use the stamp captured at submission, got %d", expected)
			}
			committed = true
			return update.NewStamp, nil
		},
	}
	ft := &fakeTracker{
		submitFn: func(context.Context, finalize.RenderInput) (*finalize.Outcome, string, error) {
			return nil, "fin_2", nil
		},
		pollFn: func(context.Context, string) (finalize.Status, error) {
			return finalize.Status{State: finalize.StateCompleted, PDFURL: "https://files.local/doc-1.pdf", CompletedAt: time.Now()}, nil
		},
	}
	svc := newTestService(fs, ft)

	if _, err := svc.Finalize(context.Background(), ownerSession(), "doc-1", 100, false); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	outsider := Session{Token: "t2", UserID: "usr_zed", UserName: "Zed", ActiveTenant: "globex"}
	_, err := svc.PollFinalizeJob(context.Background(), outsider, "fin_2", false)
	status, code, _, _ := mapError(err)
	if status != http.StatusNotFound || code != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND for the foreign poll, got %d %s", status, code)
	}
	if committed {
		t.Fatalf("a foreign poll must not commit the transition")
	}

	payload, err := svc.PollFinalizeJob(context.Background(), ownerSession(), "fin_2", false)
	if err != nil {
		t.Fatalf("owner poll failed: %v", err)
	}
	if payload["status"] != "completed" || !committed {
		t.Fatalf("the owner's poll must still commit: %v", payload)
	}
}

func TestFinalizeOnFinalisedDocumentIsNoOp(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			doc := docAt(workflow.StageFinalised)
			doc.PDFURL = "https://files.local/existing.pdf"
			return doc, nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
	}
	ft := &fakeTracker{
		submitFn: func(context.Context, finalize.RenderInput) (*finalize.Outcome, string, error) {
			t.Fatalf("resubmission on a finalised document must not render")
			return nil, "", nil
		},
	}
	svc := newTestService(fs, ft)

	payload, err := svc.Finalize(context.Background(), ownerSession(), "doc-1", 100, false)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if payload["pdfUrl"] != "https://files.local/existing.pdf" {
		t.Fatalf("expected existing pdfUrl, got %v", payload)
	}
}

func TestFinalizeRejectedBeforeClosed(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
	}
	svc := newTestService(fs, nil)

	_, err := svc.Finalize(context.Background(), ownerSession(), "doc-1", 100, false)
	status, code, _, _ := mapError(err)
	if status != http.StatusUnprocessableEntity || code != "NOT_READY_TO_FINALISE" {
		t.Fatalf("expected 422 NOT_READY_TO_FINALISE, got %d %s", status, code)
	}
}

func TestFailedFinalisationMutatesNothing(t *testing.T) {
	mutated := false
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageClosed), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(context.Context, string, int64, store.StageUpdate) (int64, error) {
			mutated = true
			return 0, nil
		},
	}
	ft := &fakeTracker{
		submitFn: func(context.Context, finalize.RenderInput) (*finalize.Outcome, string, error) {
			return nil, "fin_9", nil
		},
		pollFn: func(context.Context, string) (finalize.Status, error) {
			return finalize.Status{State: finalize.StateFailed, Err: errors.New("chromium crashed")}, nil
		},
	}
	svc := newTestService(fs, ft)

	if _, err := svc.Finalize(context.Background(), ownerSession(), "doc-1", 100, false); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	payload, err := svc.PollFinalizeJob(context.Background(), ownerSession(), "fin_9", false)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if payload["status"] != "failed" {
		t.Fatalf("expected failed status, got %v", payload)
	}
	if mutated {
		t.Fatalf("a failed job must not touch the document")
	}
}

func TestVoidRecordsReasonAndAudit(t *testing.T) {
	var event store.StageEvent
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			doc := docAt(workflow.StageExecute)
			doc.HasContent = true
			return doc, nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		insertStageEventFn: func(_ context.Context, e store.StageEvent) error {
			event = e
			return nil
		},
	}
	svc := newTestService(fs, nil)

	if _, err := svc.Void(context.Background(), ownerSession(), "doc-1", "short", 100); !errors.Is(err, workflow.ErrReasonTooShort) {
		t.Fatalf("expected ErrReasonTooShort, got %v", err)
	}

	payload, err := svc.Void(context.Background(), ownerSession(), "doc-1", "superseded by doc_msa_2027", 100)
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if payload["stage"] != string(workflow.StageVoided) {
		t.Fatalf("expected Voided, got %v", payload["stage"])
	}
	if event.EventType != string(workflow.EventDocumentVoided) || event.Reason == "" {
		t.Fatalf("void must be audited with its reason: %+v", event)
	}
}

func TestControlledCopyClearsSignatures(t *testing.T) {
	groups := ownedGroups()
	groups, _ = groups.AddParticipant(workflow.RolePreApproval, workflow.Participant{ID: "usr_alice", Name: "Alice"})
	group, _ := groups.Group(workflow.RolePreApproval)
	signed, _ := workflow.Sign(group, "usr_alice")
	for i := range groups {
		if groups[i].Role == workflow.RolePreApproval {
			groups[i] = signed
		}
	}

	var inserted store.Document
	var insertedGroups workflow.GroupSet
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageClosed), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return groups, nil
		},
		insertDocumentFn: func(_ context.Context, doc store.Document, g workflow.GroupSet) error {
			inserted = doc
			insertedGroups = g
			return nil
		},
	}
	svc := newTestService(fs, nil)

	payload, err := svc.CreateControlledCopy(context.Background(), ownerSession(), "doc-1")
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if inserted.ParentID == nil || *inserted.ParentID != "doc-1" {
		t.Fatalf("copy must record its parent: %+v", inserted)
	}
	if inserted.Stage != workflow.StagePreApprove {
		t.Fatalf("copy must restart at PreApprove, got %s", inserted.Stage)
	}
	if insertedGroups.AnySigned() {
		t.Fatalf("copy must clear every signature")
	}
	if payload["parentId"] != "doc-1" {
		t.Fatalf("unexpected payload parent: %v", payload["parentId"])
	}
}

func TestSwitchTenantIssuesFreshContext(t *testing.T) {
	fs := &fakeStore{
		listMembershipsFn: func(_ context.Context, userID string) ([]store.Membership, error) {
			return []store.Membership{
				{UserID: userID, TenantName: "acme", InvitationStatus: store.InvitationActive},
				{UserID: userID, TenantName: "globex", InvitationStatus: store.InvitationActive},
				{UserID: userID, TenantName: "initech", InvitationStatus: store.InvitationInvited},
			}, nil
		},
	}
	sessions := newFakeSessions()
	svc := New(testConfig(), fs, sessions, &fakeTracker{}, nil, workflow.NewBroadcaster())

	issued, err := svc.Login(context.Background(), "usr_avery")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if issued.ActiveTenant != "acme" {
		t.Fatalf("login must scope to the home tenant, got %s", issued.ActiveTenant)
	}

	switched, err := svc.SwitchTenant(context.Background(), issued, "globex")
	if err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if switched.ActiveTenant != "globex" || switched.Token == issued.Token {
		t.Fatalf("switch must issue a fresh tenant-scoped session: %+v", switched)
	}
	if len(sessions.revoked) != 1 {
		t.Fatalf("the previous session context must be revoked, got %d revocations", len(sessions.revoked))
	}

	// Invited-but-unaccepted memberships grant no access.
	if _, err := svc.SwitchTenant(context.Background(), switched, "initech"); err == nil {
		t.Fatalf("expected switch to invited tenant to be denied")
	}

	// Switching to the already-active tenant is a no-op.
	same, err := svc.SwitchTenant(context.Background(), switched, "globex")
	if err != nil {
		t.Fatalf("no-op switch failed: %v", err)
	}
	if same.Token != switched.Token {
		t.Fatalf("no-op switch must keep the session")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	issued, err := svc.Login(context.Background(), "usr_avery")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	resolved, err := svc.SessionFromToken(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if resolved.UserID != "usr_avery" || resolved.ActiveTenant != "acme" {
		t.Fatalf("unexpected session: %+v", resolved)
	}

	if err := svc.Logout(context.Background(), resolved); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), issued.Token); err == nil {
		t.Fatalf("revoked token must not resolve")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	issued, err := svc.Login(context.Background(), "usr_avery")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	refreshed, err := svc.Refresh(context.Background(), issued)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.Token == issued.Token || refreshed.ActiveTenant != issued.ActiveTenant {
		t.Fatalf("refresh must rotate the token and keep the tenant: %+v", refreshed)
	}
	if _, err := svc.SessionFromToken(context.Background(), issued.Token); err == nil {
		t.Fatalf("the replaced token must not resolve")
	}
	if _, err := svc.SessionFromToken(context.Background(), refreshed.Token); err != nil {
		t.Fatalf("refreshed token must resolve: %v", err)
	}
}

func TestStageChangePublishesEvent(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
	}
	svc := newTestService(fs, nil)

	ch, cancel := svc.Events().Subscribe(4)
	defer cancel()

	if _, err := svc.GoToStage(context.Background(), ownerSession(), "doc-1", "advance", "", 100); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	select {
	case event := <-ch:
		if event.Kind != workflow.EventStageChanged || event.To != workflow.StagePostApprove {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a stage change event")
	}
}
