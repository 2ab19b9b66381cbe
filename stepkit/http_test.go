package stepkit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/flowforge/engine/flow"
	"github.com/flowforge/engine/flow/store"
	"github.com/flowforge/engine/stepkit"
)

func TestHTTPStepRoundTripsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := stepkit.HTTPStepConfig{RequestKey: "req", StatusKey: "status", BodyKey: "body"}

	def, err := flow.NewBuilder("http").
		Step("prep").Execute(func(ec *flow.ExecutionContext) flow.Result {
		req := stepkit.HTTPRequest{Method: "POST", URL: srv.URL, Headers: map[string]string{"X-Test": "yes"}, Body: "payload"}
		return flow.Success("seeded", map[string]any{"req": req})
	}).Done().
		Step("call").After("prep").Execute(stepkit.HTTPStep(cfg)).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := &store.FlowRecord{FlowID: uuid.NewString(), FlowKind: "http", Status: store.StatusReady}
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &flow.Executor{Store: st, Emitter: flow.NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestHTTPStepFailsOnInvalidURL(t *testing.T) {
	cfg := stepkit.HTTPStepConfig{RequestKey: "req"}

	def, err := flow.NewBuilder("http-bad").
		Step("prep").Execute(func(ec *flow.ExecutionContext) flow.Result {
		req := stepkit.HTTPRequest{Method: "GET", URL: "not-a-url"}
		return flow.Success("seeded", map[string]any{"req": req})
	}).Done().
		Step("call").After("prep").Execute(stepkit.HTTPStep(cfg)).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := &store.FlowRecord{FlowID: uuid.NewString(), FlowKind: "http-bad", Status: store.StatusReady}
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &flow.Executor{Store: st, Emitter: flow.NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err == nil {
		t.Fatal("expected failure for an invalid request URL")
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

func TestHTTPStepFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := stepkit.HTTPStepConfig{RequestKey: "req", StatusKey: "status"}

	def, err := flow.NewBuilder("http-500").
		Step("prep").Execute(func(ec *flow.ExecutionContext) flow.Result {
		req := stepkit.HTTPRequest{Method: "GET", URL: srv.URL}
		return flow.Success("seeded", map[string]any{"req": req})
	}).Done().
		Step("call").After("prep").Execute(stepkit.HTTPStep(cfg)).Done().
		Step("check").After("call").Execute(func(ec *flow.ExecutionContext) flow.Result {
		status, err := flow.GetData[int64](ec, "status")
		if err != nil {
			return flow.Failure("reading status", err)
		}
		if status != http.StatusInternalServerError {
			return flow.Failure("unexpected status", nil)
		}
		return flow.Success("checked", nil)
	}).Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	st := store.NewMemoryStore()
	rec := &store.FlowRecord{FlowID: uuid.NewString(), FlowKind: "http-500", Status: store.StatusReady}
	if err := st.Save(context.Background(), rec, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ex := &flow.Executor{Store: st, Emitter: flow.NullEmitter{}}
	final, err := ex.Run(context.Background(), def, rec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed (a 500 response is not a transport error), got %s", final.Status)
	}
}
