package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
)

func newTestServer(t *testing.T, fs *fakeStore) (*httptest.Server, string) {
	t.Helper()
	svc := newTestService(fs, nil)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)

	issued, err := svc.Login(context.Background(), "usr_avery")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return server, issued.Token
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, payload)
	}
}

func TestDocumentRequiresSession(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
	})

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/documents/doc-1", "", "")
	if resp.StatusCode != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, server.URL+"/api/documents/doc-1", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, payload)
	}
	if payload["stage"] != string(workflow.StageExecute) || payload["disposition"] != string(workflow.DispositionDelete) {
		t.Fatalf("unexpected document payload: %v", payload)
	}
}

func TestStageEndpointMapsStaleConflict(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StageExecute), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		updateDocumentStageFn: func(context.Context, string, int64, store.StageUpdate) (int64, error) {
			return 0, &store.StaleError{DocumentID: "doc-1", Expected: 42, Current: 107}
		},
	})

	resp, payload := doJSON(t, http.MethodPost, server.URL+"/api/documents/doc-1/stage", token,
		`{"direction":"advance","expectedStamp":42}`)
	if resp.StatusCode != http.StatusConflict || payload["code"] != "STALE_DOCUMENT" {
		t.Fatalf("expected 409 STALE_DOCUMENT, got %d %v", resp.StatusCode, payload)
	}
	details := payload["details"].(map[string]any)
	if details["current"] != float64(107) {
		t.Fatalf("conflict must carry the authoritative stamp: %v", details)
	}
}

func TestDeleteMapsForeignKeyViolation(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return docAt(workflow.StagePreApprove), nil
		},
		getGroupSetFn: func(context.Context, string) (workflow.GroupSet, error) {
			return ownedGroups(), nil
		},
		deleteDocumentFn: func(context.Context, string, int64) error {
			return &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"}
		},
	})

	resp, payload := doJSON(t, http.MethodDelete, server.URL+"/api/documents/doc-1", token,
		`{"expectedStamp":100}`)
	if resp.StatusCode != http.StatusConflict || payload["code"] != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %v", resp.StatusCode, payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{})

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/nope", token, "")
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %v", resp.StatusCode, payload)
	}
}

func TestMembershipsEndpoint(t *testing.T) {
	server, token := newTestServer(t, &fakeStore{
		listMembershipsFn: func(_ context.Context, userID string) ([]store.Membership, error) {
			return []store.Membership{
				{UserID: userID, TenantName: "acme", InvitationStatus: store.InvitationActive, TenantDisplayName: "Acme Legal"},
				{UserID: userID, TenantName: "globex", InvitationStatus: store.InvitationActive},
				{UserID: userID, TenantName: "initech", InvitationStatus: store.InvitationInactive},
			}, nil
		},
	})

	resp, payload := doJSON(t, http.MethodGet, server.URL+"/api/memberships", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, payload)
	}
	home := payload["home"].([]any)
	external := payload["external"].([]any)
	if len(home) != 1 || len(external) != 1 {
		t.Fatalf("inactive memberships must be filtered: %v", payload)
	}
	if external[0].(map[string]any)["displayName"] != "Company" {
		t.Fatalf("missing display name must fall back to the default: %v", external[0])
	}
}
