package adminapi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fastapi-guard/guard-agent-go/internal/agent"
	"github.com/fastapi-guard/guard-agent-go/internal/config"
	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
)

func generateTestKeyPair(t *testing.T) (pubPEM, privPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return pubPEM, privPEM
}

func testServer(t *testing.T) *Server {
	t.Helper()
	agent.ResetRegistry()

	pub, priv := generateTestKeyPair(t)
	secretHash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}

	cfg := telemetry.DefaultConfig()
	cfg.APIKey = "0123456789abcdef"
	cfg.ProjectID = "proj-1"

	h, err := agent.Agent(cfg, agent.Options{})
	if err != nil {
		t.Fatalf("agent.Agent: %v", err)
	}

	srv, err := New(config.AdminAPISection{
		Enabled:            true,
		PublicKey:          pub,
		PrivateKey:         priv,
		TokenTTL:           time.Hour,
		OperatorUsername:   "admin",
		OperatorSecretHash: string(secretHash),
	}, h, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestHealthzIsPublic(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for a not-yet-started handler", resp.StatusCode)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginThenAccessProtectedRoute(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	loginBody := `{"username":"admin","secret":"hunter2"}`
	resp, err := http.Post(ts.URL+"/v1/auth/token", "application/json", strings.NewReader(loginBody))
	if err != nil {
		t.Fatalf("POST /v1/auth/token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if tokenResp.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)

	statusResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/status with token: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a valid token", statusResp.StatusCode)
	}
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	loginBody := `{"username":"admin","secret":"wrong"}`
	resp, err := http.Post(ts.URL+"/v1/auth/token", "application/json", strings.NewReader(loginBody))
	if err != nil {
		t.Fatalf("POST /v1/auth/token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for a wrong secret", resp.StatusCode)
	}
}
