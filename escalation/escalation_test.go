package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestApprovalBlocksUntilRespond(t *testing.T) {
	s := NewService()

	result := make(chan bool, 1)
	go func() {
		result <- s.RequestApproval(context.Background(), "mars", "sun", "need budget override")
	}()

	deadline := time.Now().Add(time.Second)
	var id string
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for k := range s.pending {
			id = k
		}
		s.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("expected a pending escalation request to appear")
	}

	body, _ := json.Marshal(map[string]any{"id": id, "approved": true})
	req := httptest.NewRequest(http.MethodPost, "/api/escalations/respond", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.HandleRespond(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case approved := <-result:
		if !approved {
			t.Fatal("expected approval to resolve true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestApproval to unblock")
	}
}

func TestRequestApprovalDeniesOnContextCancellation(t *testing.T) {
	s := NewService()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	approved := s.RequestApproval(ctx, "mars", "sun", "slow responder")
	if approved {
		t.Fatal("expected a timed-out context to deny, not approve")
	}

	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the abandoned request to be cleaned up, got %d pending", n)
	}
}

func TestHandleRespondUnknownIDReturns404(t *testing.T) {
	s := NewService()
	body, _ := json.Marshal(map[string]any{"id": "ghost", "approved": true})
	req := httptest.NewRequest(http.MethodPost, "/api/escalations/respond", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.HandleRespond(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandlePendingListsOutstandingRequests(t *testing.T) {
	s := NewService()
	go s.RequestApproval(context.Background(), "mars", "sun", "reason-a")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escalations/pending", nil)
	w := httptest.NewRecorder()
	s.HandlePending(w, req)

	var out struct {
		Pending []struct {
			Sender string `json:"sender"`
		} `json:"pending"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Pending) != 1 || out.Pending[0].Sender != "mars" {
		t.Fatalf("expected 1 pending request from mars, got %+v", out.Pending)
	}
}
