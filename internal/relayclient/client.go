package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

var (
	ErrAuthFailed           = errors.New("relay authentication failed")
	ErrRegistrationRejected = errors.New("relay camera registration rejected")
)

// RemoteCameraInfo is the publish target the relay server hands back for a
// registered camera.
type RemoteCameraInfo struct {
	RemoteCameraID string
	PublishURL     string
	WebRTCURL      string
	PublishToken   string
}

// Client is the control-plane boundary to a remote relay server. Failures
// surface as typed errors; retry policy belongs to the publication manager,
// never to this client.
type Client interface {
	GetValidToken(ctx context.Context, server model.RelayServer) (string, error)
	EnsureRemoteCamera(ctx context.Context, server model.RelayServer, camera model.Camera) (RemoteCameraInfo, error)
	InvalidateToken(serverID int64)
}

// HTTPClient talks to the relay control REST API and caches one bearer token
// per server. The relay auth API has no refresh endpoint, so an expired token
// means a fresh login on the next authenticated call.
type HTTPClient struct {
	http *http.Client
	log  zerolog.Logger

	mu     sync.Mutex
	tokens map[int64]model.AuthToken
}

func NewHTTPClient(timeout time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		http:   &http.Client{Timeout: timeout},
		log:    log,
		tokens: make(map[int64]model.AuthToken),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (c *HTTPClient) GetValidToken(ctx context.Context, server model.RelayServer) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[server.ID]
	c.mu.Unlock()
	if ok && cached.Valid(time.Now()) {
		return cached.Token, nil
	}
	return c.login(ctx, server)
}

func (c *HTTPClient) login(ctx context.Context, server model.RelayServer) (string, error) {
	body, err := json.Marshal(loginRequest{Username: server.Username, Password: server.Password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(server.APIURL, "/api/v1/auth/login"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: login returned %d", ErrAuthFailed, resp.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Token == "" {
		return "", fmt.Errorf("%w: malformed login response", ErrAuthFailed)
	}

	expires := time.Now().Add(30 * time.Minute)
	if t, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
		expires = t
	}
	c.mu.Lock()
	c.tokens[server.ID] = model.AuthToken{ServerID: server.ID, Token: out.Token, ExpiresAt: expires}
	c.mu.Unlock()

	c.log.Info().Int64("server_id", server.ID).Time("expires_at", expires).Msg("relay login ok")
	return out.Token, nil
}

func (c *HTTPClient) InvalidateToken(serverID int64) {
	c.mu.Lock()
	delete(c.tokens, serverID)
	c.mu.Unlock()
}

type remoteCamera struct {
	ID           string `json:"id"`
	ExternalID   string `json:"external_id"`
	Name         string `json:"name"`
	PublishURL   string `json:"publish_url"`
	WebRTCURL    string `json:"webrtc_url"`
	PublishToken string `json:"publish_token"`
}

type listCamerasResponse struct {
	Cameras []remoteCamera `json:"cameras"`
}

// EnsureRemoteCamera fetches the relay's record for the camera, creating it
// when absent, and returns the publish target. A 401 invalidates the cached
// token and surfaces ErrAuthFailed; the caller decides whether to start over.
func (c *HTTPClient) EnsureRemoteCamera(ctx context.Context, server model.RelayServer, camera model.Camera) (RemoteCameraInfo, error) {
	token, err := c.GetValidToken(ctx, server)
	if err != nil {
		return RemoteCameraInfo{}, err
	}

	listURL := joinURL(server.APIURL, "/api/v1/cameras") + "?external_id=" + url.QueryEscape(camera.ID)
	var listed listCamerasResponse
	if err := c.doJSON(ctx, server, http.MethodGet, listURL, token, nil, &listed); err != nil {
		return RemoteCameraInfo{}, err
	}
	for _, rc := range listed.Cameras {
		if rc.ExternalID == camera.ID {
			return toInfo(rc), nil
		}
	}

	createBody := map[string]string{"external_id": camera.ID, "name": camera.Name}
	var created remoteCamera
	if err := c.doJSON(ctx, server, http.MethodPost, joinURL(server.APIURL, "/api/v1/cameras"), token, createBody, &created); err != nil {
		return RemoteCameraInfo{}, err
	}
	if created.ID == "" || created.PublishURL == "" {
		return RemoteCameraInfo{}, fmt.Errorf("%w: relay returned incomplete camera record", ErrRegistrationRejected)
	}
	return toInfo(created), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, server model.RelayServer, method, rawURL, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationRejected, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.InvalidateToken(server.ID)
		return fmt.Errorf("%w: relay rejected token", ErrAuthFailed)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %s returned %d", ErrRegistrationRejected, method, rawURL, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toInfo(rc remoteCamera) RemoteCameraInfo {
	return RemoteCameraInfo{
		RemoteCameraID: rc.ID,
		PublishURL:     rc.PublishURL,
		WebRTCURL:      rc.WebRTCURL,
		PublishToken:   rc.PublishToken,
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
