package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/store/sqlite"
)

func openTestDB(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "server_test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func seedInstance(t *testing.T, db store.Store, instanceType string, status store.Status) store.Instance {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	inst := store.Instance{
		ID:            uuid.NewString(),
		InstanceType:  instanceType,
		MachineID:     "machine-a",
		Status:        store.StatusStarting,
		Hostname:      "host-1",
		ProcessID:     100,
		StartedAt:     now.Add(-time.Minute),
		LastHeartbeat: now,
	}
	if err := db.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	if status != store.StatusStarting {
		if _, err := db.Transition(ctx, inst.ID, status, "test transition", now); err != nil {
			t.Fatalf("seed transition: %v", err)
		}
		inst.Status = status
	}
	return inst
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestInstancesListsActiveOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	healthy := seedInstance(t, db, "persistence-worker", store.StatusHealthy)
	seedInstance(t, db, "command-router", store.StatusCrashed)

	h := NewRouter(db, "").Handler()
	w := get(t, h, "/instances")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got []instanceResp
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 active instance, got %d", len(got))
	}
	if got[0].ID != healthy.ID || got[0].Status != "healthy" {
		t.Fatalf("unexpected instance: %+v", got[0])
	}
}

func TestInstanceByID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	inst := seedInstance(t, db, "persistence-worker", store.StatusHealthy)
	if err := db.RecordFault(context.Background(), inst.ID, "write failed", time.Now().UTC()); err != nil {
		t.Fatalf("record fault: %v", err)
	}

	h := NewRouter(db, "").Handler()
	w := get(t, h, "/instances/"+inst.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got instanceResp
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Hostname != "host-1" || got.ProcessID != 100 {
		t.Fatalf("identity missing: %+v", got)
	}
	if got.LastErrorMessage != "write failed" || got.LastErrorAt == nil {
		t.Fatalf("fault not exposed: %+v", got)
	}
	if got.StoppedAt != nil {
		t.Fatalf("active instance has stopped_at: %+v", got.StoppedAt)
	}
}

func TestInstanceNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	h := NewRouter(db, "").Handler()
	w := get(t, h, "/instances/"+uuid.NewString())
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestInstanceHistoryAndLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	inst := seedInstance(t, db, "persistence-worker", store.StatusHealthy)
	if _, err := db.Transition(context.Background(), inst.ID, store.StatusStopped, "deploy", time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}

	h := NewRouter(db, "").Handler()
	w := get(t, h, "/instances/"+inst.ID+"/history?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got []historyResp
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries with limit=2, got %d", len(got))
	}
	// newest first
	if got[0].NewStatus != "stopped" || got[0].Reason != "deploy" {
		t.Fatalf("unexpected head entry: %+v", got[0])
	}
}

func TestRecentHistoryAcrossInstances(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	a := seedInstance(t, db, "persistence-worker", store.StatusHealthy)
	b := seedInstance(t, db, "command-router", store.StatusHealthy)

	h := NewRouter(db, "").Handler()
	w := get(t, h, "/history")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got []historyResp
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range got {
		seen[e.InstanceID] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("history missing instances: %v", seen)
	}
}

func TestBasePathAndHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	h := NewRouter(db, "vigil/").Handler()

	w := get(t, h, "/vigil/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	if w := get(t, h, "/healthz"); w.Code == http.StatusOK {
		t.Fatalf("unprefixed path should not be served under a base path")
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":        "",
		"vigil":   "/vigil",
		"/vigil":  "/vigil",
		"/vigil/": "/vigil",
		"  ":      "",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
