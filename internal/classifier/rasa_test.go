package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func TestParse_ReturnsReplies(t *testing.T) {
	var got ParseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/webhooks/rest/webhook" {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"recipient_id":"user","text":"Hello!"},{"recipient_id":"user","text":"How can I help?","buttons":[{"title":"Orders"}]}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	replies, err := c.Parse(context.Background(), "user", "hi")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.Sender != "user" || got.Message != "hi" {
		t.Errorf("request = %+v, want sender=user message=hi", got)
	}
	if len(replies) != 2 {
		t.Fatalf("len(replies) = %d, want 2", len(replies))
	}
	if replies[0].Text != "Hello!" || replies[0].RecipientID != "user" {
		t.Errorf("replies[0] = %+v", replies[0])
	}
	if _, ok := replies[1].Extra["buttons"]; !ok {
		t.Errorf("replies[1].Extra missing buttons: %+v", replies[1].Extra)
	}
}

func TestParse_EmptyArrayIsNotAnError(t *testing.T) {
	for _, body := range []string{`[]`, `null`} {
		t.Run(body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer srv.Close()

			replies, err := NewClient(srv.URL).Parse(context.Background(), "user", "???")
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if replies == nil || len(replies) != 0 {
				t.Errorf("replies = %#v, want empty non-nil slice", replies)
			}
		})
	}
}

func TestParse_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "model not loaded")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Parse(context.Background(), "user", "hi")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", se.Status)
	}
	if se.Body != "model not loaded" {
		t.Errorf("Body = %q, want %q", se.Body, "model not loaded")
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Parse(context.Background(), "user", "hi"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParse_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Parse(context.Background(), "user", "hi")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Parse took %v, expected it to give up near the timeout", elapsed)
	}
}

func TestParse_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewClient(url).Parse(context.Background(), "user", "hi"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestParse_RateLimitExceedsDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	// One token per minute: the second call cannot get a token within the timeout.
	c := NewClient(srv.URL, WithRateLimit(1.0/60, 1), WithTimeout(100*time.Millisecond))

	if _, err := c.Parse(context.Background(), "user", "first"); err != nil {
		t.Fatalf("first Parse: %v", err)
	}
	if _, err := c.Parse(context.Background(), "user", "second"); err == nil {
		t.Fatal("expected rate limiter error on second call")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d calls, want 1", n)
	}
}

func TestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"version":"3.6.2","minimum_compatible_version":"3.5.0"}`)
	}))
	defer srv.Close()

	v, err := NewClient(srv.URL + "/").Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.Version != "3.6.2" {
		t.Errorf("Version = %q, want 3.6.2", v.Version)
	}
}

func TestMessage_RoundTripPreservesExtra(t *testing.T) {
	in := `{"recipient_id":"u1","text":"hi","image":"https://example.com/a.png"}`

	var m Message
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got, want map[string]any
	json.Unmarshal(out, &got)
	json.Unmarshal([]byte(in), &want)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("round trip = %s, want %s", out, in)
	}
}

func TestMessage_WithoutTextPassesThrough(t *testing.T) {
	tests := []string{
		`{"recipient_id":"u1","image":"https://example.com/a.png"}`,
		`{"buttons":[{"title":"Yes","payload":"/affirm"}]}`,
		`{"recipient_id":"u1","text":"","image":"x"}`,
		`{"text":null,"custom":{"kind":"card"}}`,
	}
	for _, in := range tests {
		var m Message
		if err := json.Unmarshal([]byte(in), &m); err != nil {
			t.Fatalf("Unmarshal(%s): %v", in, err)
		}
		out, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}

		var got, want map[string]any
		json.Unmarshal(out, &got)
		json.Unmarshal([]byte(in), &want)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip of %s = %s", in, out)
		}
	}
}
