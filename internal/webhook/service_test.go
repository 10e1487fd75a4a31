package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchDeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := &Service{
		Targets:    []string{srv.URL},
		Secret:     "hook-secret",
		TimeoutSec: 2,
	}
	svc.Dispatch(EventUploaded, map[string]string{"id": "fw-1"})

	select {
	case r := <-received:
		body := <-bodies

		var payload EventPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, EventUploaded, payload.Event)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		m := hmac.New(sha256.New, []byte("hook-secret"))
		m.Write(body)
		assert.Equal(t, hex.EncodeToString(m.Sum(nil)), r.Header.Get("X-Webhook-Signature"))
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestDispatchRetriesOnFailure(t *testing.T) {
	attempts := make(chan struct{}, 4)
	var count int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		attempts <- struct{}{}
		if count < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := &Service{
		Targets:    []string{srv.URL},
		TimeoutSec: 2,
		Retries:    2,
	}
	svc.Dispatch(EventDeleted, map[string]string{"id": "fw-1"})

	for i := 0; i < 2; i++ {
		select {
		case <-attempts:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected at least 2 delivery attempts, got %d", i)
		}
	}
}

func TestDispatchNoTargetsIsNoop(t *testing.T) {
	svc := &Service{}
	svc.Dispatch(EventUpdated, nil) // must not panic or block
}
