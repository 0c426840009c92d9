// Package auth answers one question for the session: may this user talk to
// Casey right now. Login and registration live elsewhere.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type Authenticator interface {
	IsAuthenticated() bool
}

// Status is the body of the server's /check-auth endpoint.
type Status struct {
	Authenticated bool   `json:"authenticated"`
	Name          string `json:"name"`
}

// CookieHeader builds the request header carrying the session cookie, or
// nil when there is none.
func CookieHeader(cookie string) http.Header {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return nil
	}
	h := http.Header{}
	if !strings.Contains(cookie, "=") {
		cookie = "session=" + cookie
	}
	h.Set("Cookie", cookie)
	return h
}

// Static trusts a fixed answer, for headless runs and tests.
type Static bool

func (s Static) IsAuthenticated() bool { return bool(s) }

// Remote asks the server whether the session cookie is still valid and
// caches the last answer.
type Remote struct {
	base   string
	header http.Header
	client *http.Client

	mu     sync.RWMutex
	status Status
}

func NewRemote(baseURL, cookie string) *Remote {
	return &Remote{
		base:   strings.TrimSuffix(baseURL, "/"),
		header: CookieHeader(cookie),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Remote) Check(ctx context.Context) (Status, error) {
	u, err := url.JoinPath(r.base, "check-auth")
	if err != nil {
		return Status{}, fmt.Errorf("auth: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Status{}, fmt.Errorf("auth: %w", err)
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("auth: check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("auth: check: status %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("auth: decode: %w", err)
	}
	r.mu.Lock()
	r.status = st
	r.mu.Unlock()
	return st, nil
}

func (r *Remote) IsAuthenticated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Authenticated
}

func (r *Remote) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Name
}
