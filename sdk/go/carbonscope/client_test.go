package carbonscope

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitTaskAsync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Fatalf("missing api key header")
		}
		var body TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Prompt != "estimate" || body.Sync {
			t.Fatalf("unexpected submission: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TaskAccepted{TaskID: "task-1", Status: "pending"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAPIKey("secret")

	accepted, err := client.SubmitTask(context.Background(), TaskSubmission{Prompt: "estimate"})
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if accepted.TaskID != "task-1" || accepted.Status != "pending" {
		t.Fatalf("unexpected response: %+v", accepted)
	}
}

func TestRunTaskSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body TaskSubmission
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Sync {
			t.Fatalf("sync flag should be set")
		}
		_ = json.NewEncoder(w).Encode(TaskResult{Answer: "42 kg", Steps: 2})
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	result, err := client.RunTask(context.Background(), TaskSubmission{Prompt: "estimate"})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if result.Answer != "42 kg" || result.Steps != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND","error":"task missing"}`))
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	_, err := client.GetTask(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestTaskEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1/events" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]Event{{ID: "e1", TaskID: "task-1", Type: "final", Data: "done"}})
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	events, err := client.TaskEvents(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("task events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "final" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestCancelTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	if err := client.CancelTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("cancel task: %v", err)
	}
}
