package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"riskguard/pkg/crypto"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

// ============ Auth ============

func TestAuth_DisabledWithoutHash(t *testing.T) {
	h := Auth("")(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestAuth_BearerToken(t *testing.T) {
	hash, err := crypto.HashToken("s3cret-token", 4)
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}
	h := Auth(hash)(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer s3cret-token", http.StatusOK},
		{"case-insensitive scheme", "bearer s3cret-token", http.StatusOK},
		{"cached token", "Bearer s3cret-token", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic czNjcmV0LXRva2Vu", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header")
			}
		})
	}
}

// ============ Recovery ============

func TestRecovery(t *testing.T) {
	h := Recovery(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if body := w.Body.String(); body != "Internal Server Error\n" {
		t.Errorf("panic text must not leak, got %q", body)
	}
}

// ============ Logging ============

func TestLogging_CapturesStatus(t *testing.T) {
	var captured *responseWriter
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if captured == nil {
		t.Fatal("expected wrapped response writer")
	}
	if captured.statusCode != http.StatusTeapot || captured.written != 15 {
		t.Errorf("expected 418/15 bytes, got %d/%d", captured.statusCode, captured.written)
	}
}

func TestLogging_SkipsWebSocketUpgrade(t *testing.T) {
	var wrapped bool
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, wrapped = w.(*responseWriter)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/stream", nil)
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if wrapped {
		t.Error("websocket upgrade must get the raw writer")
	}
}

// ============ CORS ============

func TestCORS(t *testing.T) {
	h := CORS(okHandler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("expected origin echo, got %q", got)
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		req.Header.Set("Origin", "http://evil.com")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no allow-origin, got %q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK || w.Body.Len() != 0 {
			t.Errorf("preflight must short-circuit, got %d %q", w.Code, w.Body.String())
		}
	})
}
