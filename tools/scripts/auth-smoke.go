// Package main provides a CI-friendly smoke test for a running credo server.
//
// It validates:
//   - register + login for a regular principal and an auditor
//   - live security feed handshake + subprotocol selection
//   - refresh rotation, replay rejection, and lineage revocation
//   - reuse_detected event delivery on the feed
//   - bearer-gated /auth/me
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	feedSubprotocol = "credo.security-events.v1"
	maxReadBytes    = 1 << 20 // 1MiB
	smokePassword   = "Sm0ke-Test-Passw0rd!"
)

type tokenPair struct {
	PrincipalID  string `json:"principal_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type securityEvent struct {
	Type        string `json:"type"`
	PrincipalID string `json:"principal_id"`
	ChainID     string `json:"chain_id"`
	Revoked     int    `json:"revoked"`
}

type smokeClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		base    = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		role    = flag.String("auditor-role", "SecurityAuditor", "Role required by /security/events")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*base); err != nil {
		fatalf("invalid -url: %v", err)
	}

	c := &smokeClient{
		base:    strings.TrimRight(*base, "/"),
		http:    &http.Client{Timeout: *timeout},
		timeout: *timeout,
		verbose: *verbose,
	}
	root := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	auditorID := "smoke-auditor-" + suffix + "@example.com"
	userID := "smoke-user-" + suffix + "@example.com"
	c.mustRegister(root, auditorID, []string{*role})
	c.mustRegister(root, userID, []string{"Member"})

	auditor := c.mustLogin(root, auditorID)
	events := c.mustSubscribe(root, auditor.AccessToken)
	defer closeWS(events.conn)

	user := c.mustLogin(root, userID)
	c.mustMe(root, user.AccessToken, user.PrincipalID)

	rotated := c.mustRefresh(root, user.RefreshToken)
	if rotated.RefreshToken == user.RefreshToken {
		fatalf("refresh returned the presented token")
	}
	c.logf("rotated refresh token for %s", user.PrincipalID)

	c.mustReauth(root, user.RefreshToken, "replayed token")
	c.mustReauth(root, rotated.RefreshToken, "descendant of replayed token")

	e := events.mustReadUntil(root, c.timeout, func(e securityEvent) bool {
		return e.Type == "auth.refresh.reuse_detected" && e.PrincipalID == user.PrincipalID
	})

	fmt.Printf("OK: principal_id=%s chain_id=%s revoked=%d\n", user.PrincipalID, e.ChainID, e.Revoked)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c *smokeClient) mustRegister(parent context.Context, identifier string, roles []string) {
	status, body := c.do(parent, http.MethodPost, "/auth/register", map[string]any{
		"identifier": identifier,
		"password":   smokePassword,
		"roles":      roles,
	}, "")
	if status != http.StatusCreated {
		fatalf("register %s: status=%d body=%s", identifier, status, body)
	}
	c.logf("registered %s roles=%v", identifier, roles)
}

func (c *smokeClient) mustLogin(parent context.Context, identifier string) tokenPair {
	status, body := c.do(parent, http.MethodPost, "/auth/login", map[string]any{
		"identifier": identifier,
		"password":   smokePassword,
	}, "")
	if status != http.StatusOK {
		fatalf("login %s: status=%d body=%s", identifier, status, body)
	}
	return mustDecodePair(body)
}

func (c *smokeClient) mustRefresh(parent context.Context, refresh string) tokenPair {
	status, body := c.do(parent, http.MethodPost, "/auth/refresh", map[string]any{"refresh_token": refresh}, "")
	if status != http.StatusOK {
		fatalf("refresh: status=%d body=%s", status, body)
	}
	return mustDecodePair(body)
}

func (c *smokeClient) mustReauth(parent context.Context, refresh, what string) {
	status, body := c.do(parent, http.MethodPost, "/auth/refresh", map[string]any{"refresh_token": refresh}, "")
	if status != http.StatusUnauthorized {
		fatalf("%s: expected 401, got status=%d body=%s", what, status, body)
	}
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Code != "reauth_required" {
		fatalf("%s: expected reauth_required, got %s", what, body)
	}
	c.logf("%s rejected", what)
}

func (c *smokeClient) mustMe(parent context.Context, access, wantPrincipal string) {
	status, body := c.do(parent, http.MethodGet, "/auth/me", nil, access)
	if status != http.StatusOK {
		fatalf("me: status=%d body=%s", status, body)
	}
	var me struct {
		PrincipalID string `json:"principal_id"`
	}
	if err := json.Unmarshal(body, &me); err != nil || me.PrincipalID != wantPrincipal {
		fatalf("me: unexpected body %s", body)
	}
}

func (c *smokeClient) do(parent context.Context, method, path string, body any, bearer string) (int, []byte) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s: %v", path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		fatalf("new request %s: %v", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(res.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", path, err)
	}
	return res.StatusCode, out
}

type feedClient struct {
	conn  *websocket.Conn
	inbox chan securityEvent
	errCh chan error
}

func (c *smokeClient) mustSubscribe(parent context.Context, access string) *feedClient {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/security/events"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+access)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{feedSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect feed: %v", err)
	}
	if got := conn.Subprotocol(); got != feedSubprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, feedSubprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	f := &feedClient{
		conn:  conn,
		inbox: make(chan securityEvent, 512),
		errCh: make(chan error, 1),
	}
	f.startReadLoop()
	c.logf("subscribed to %s", wsURL)
	return f
}

func (f *feedClient) startReadLoop() {
	go func() {
		defer close(f.inbox)

		for {
			_, data, err := f.conn.Read(context.Background())
			if err != nil {
				select {
				case f.errCh <- err:
				default:
				}
				return
			}

			var e securityEvent
			if err := json.Unmarshal(data, &e); err != nil {
				select {
				case f.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case f.inbox <- e:
			default:
				select {
				case f.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (f *feedClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, match func(securityEvent) bool) securityEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for security event: %v", ctx.Err())
		case err := <-f.errCh:
			fatalf("feed error while waiting for event: %v", err)
		case e, ok := <-f.inbox:
			if !ok {
				fatalf("feed closed while waiting for event")
			}
			if match(e) {
				return e
			}
		}
	}
}

func mustDecodePair(body []byte) tokenPair {
	var p tokenPair
	if err := json.Unmarshal(body, &p); err != nil {
		fatalf("decode token pair: %v (%s)", err, body)
	}
	if p.AccessToken == "" || p.RefreshToken == "" || p.PrincipalID == "" {
		fatalf("incomplete token pair: %s", body)
	}
	return p
}

func (c *smokeClient) logf(format string, args ...any) {
	if c.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
