package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

func testServer(t *testing.T, logins *int32, handler http.HandlerFunc) (*httptest.Server, model.RelayServer) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(logins, 1)
		var req loginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "ops" || req.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(loginResponse{
			Token:     "tok-1",
			ExpiresAt: time.Now().Add(30 * time.Minute).Format(time.RFC3339),
		})
	})
	if handler != nil {
		mux.HandleFunc("/api/v1/cameras", handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, model.RelayServer{
		ID:       1,
		Kind:     model.ServerRemote,
		APIURL:   srv.URL,
		Username: "ops",
		Password: "hunter2",
	}
}

func TestGetValidTokenCachesAcrossCalls(t *testing.T) {
	var logins int32
	_, server := testServer(t, &logins, nil)

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	for i := 0; i < 3; i++ {
		tok, err := c.GetValidToken(context.Background(), server)
		if err != nil {
			t.Fatalf("GetValidToken returned err: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Fatalf("expected a single login, got %d", n)
	}
}

func TestGetValidTokenReloginAfterExpiry(t *testing.T) {
	var logins int32
	_, server := testServer(t, &logins, nil)

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	if _, err := c.GetValidToken(context.Background(), server); err != nil {
		t.Fatalf("GetValidToken returned err: %v", err)
	}

	c.mu.Lock()
	cached := c.tokens[server.ID]
	cached.ExpiresAt = time.Now().Add(-time.Minute)
	c.tokens[server.ID] = cached
	c.mu.Unlock()

	if _, err := c.GetValidToken(context.Background(), server); err != nil {
		t.Fatalf("GetValidToken after expiry returned err: %v", err)
	}
	if n := atomic.LoadInt32(&logins); n != 2 {
		t.Fatalf("expected re-login after expiry, got %d logins", n)
	}
}

func TestGetValidTokenBadCredentials(t *testing.T) {
	var logins int32
	_, server := testServer(t, &logins, nil)
	server.Password = "wrong"

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	_, err := c.GetValidToken(context.Background(), server)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestEnsureRemoteCameraFindsExisting(t *testing.T) {
	var logins int32
	var creates int32
	_, server := testServer(t, &logins, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt32(&creates, 1)
			w.WriteHeader(http.StatusConflict)
			return
		}
		_ = json.NewEncoder(w).Encode(listCamerasResponse{Cameras: []remoteCamera{
			{ID: "rc_7", ExternalID: "cam_1", PublishURL: "rtsp://relay:8554/ingest/cam_1", PublishToken: "pt"},
			{ID: "rc_8", ExternalID: "cam_other"},
		}})
	})

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	info, err := c.EnsureRemoteCamera(context.Background(), server, model.Camera{ID: "cam_1", Name: "dock"})
	if err != nil {
		t.Fatalf("EnsureRemoteCamera returned err: %v", err)
	}
	if info.RemoteCameraID != "rc_7" || info.PublishToken != "pt" {
		t.Fatalf("unexpected info %+v", info)
	}
	if atomic.LoadInt32(&creates) != 0 {
		t.Fatal("expected no create call when the camera already exists")
	}
}

func TestEnsureRemoteCameraCreatesWhenMissing(t *testing.T) {
	var logins int32
	_, server := testServer(t, &logins, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(listCamerasResponse{})
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["external_id"] != "cam_1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(remoteCamera{
			ID:           "rc_new",
			ExternalID:   "cam_1",
			PublishURL:   "rtsp://relay:8554/ingest/cam_1",
			WebRTCURL:    "https://relay/webrtc/rc_new",
			PublishToken: "pt2",
		})
	})

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	info, err := c.EnsureRemoteCamera(context.Background(), server, model.Camera{ID: "cam_1", Name: "dock"})
	if err != nil {
		t.Fatalf("EnsureRemoteCamera returned err: %v", err)
	}
	if info.RemoteCameraID != "rc_new" || info.WebRTCURL == "" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestEnsureRemoteCameraRejectedToken(t *testing.T) {
	var logins int32
	_, server := testServer(t, &logins, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	_, err := c.EnsureRemoteCamera(context.Background(), server, model.Camera{ID: "cam_1"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}

	c.mu.Lock()
	_, stillCached := c.tokens[server.ID]
	c.mu.Unlock()
	if stillCached {
		t.Fatal("expected rejected token to be evicted from the cache")
	}
}

func TestEnsureRemoteCameraServerError(t *testing.T) {
	var logins int32
	_, server := testServer(t, &logins, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewHTTPClient(2*time.Second, zerolog.Nop())
	_, err := c.EnsureRemoteCamera(context.Background(), server, model.Camera{ID: "cam_1"})
	if !errors.Is(err, ErrRegistrationRejected) {
		t.Fatalf("expected ErrRegistrationRejected, got %v", err)
	}
}
