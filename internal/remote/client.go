// Package remote implements the document-store HTTP protocol spoken by the
// multi-tenant remote service: existence and auth probes, database and user
// creation, security-object writes, document push/pull, and the changes feed.
// Both the provisioning gateway (with admin credentials) and the replication
// engine (with the caller's derived credentials) build on this client.
package remote

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
	"time"

	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// Sentinel errors used for tier classification and replication control flow.
var (
	// ErrUnauthorized — the credentials fail against the target resource.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrNotFound — the requested document does not exist.
	ErrNotFound = errors.New("remote: not found")

	// ErrConflict — a write lost the revision race on the remote store.
	ErrConflict = errors.New("remote: revision conflict")
)

// UserDocPrefix is the id prefix of user documents in the _users database.
const UserDocPrefix = "org.couchdb.user:"

// Credentials is an HTTP Basic username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Client talks to one remote document service with one set of credentials.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, creds Credentials) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// WithCredentials derives a client for the same service under different
// credentials. Used by the gateway to probe first as the caller, then as
// the administrator.
func (c *Client) WithCredentials(creds Credentials) *Client {
	return &Client{baseURL: c.baseURL, creds: creds, http: c.http}
}

// BaseURL returns the service endpoint this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// ── Databases ───────────────────────────────────────────────

// DBExists probes the database with this client's credentials. The result is
// an explicit present/absent answer; an auth failure is reported as
// ErrUnauthorized, never as absence.
func (c *Client) DBExists(ctx context.Context, db string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, "/"+url.PathEscape(db), nil)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, fmt.Errorf("probe %s: %w", db, ErrUnauthorized)
	default:
		return false, fmt.Errorf("probe %s: unexpected status %d", db, resp.StatusCode)
	}
}

// CreateDB creates the database. An already-existing database is tolerated so
// provisioning stays idempotent.
func (c *Client) CreateDB(ctx context.Context, db string) error {
	resp, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(db), nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("create db %s: %w", db, ErrUnauthorized)
	default:
		return fmt.Errorf("create db %s: unexpected status %d", db, resp.StatusCode)
	}
}

// ── Users ───────────────────────────────────────────────────

func userPath(username string) string {
	return "/_users/" + url.PathEscape(UserDocPrefix+username)
}

// UserExists probes the user document for username.
func (c *Client) UserExists(ctx context.Context, username string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, userPath(username), nil)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, fmt.Errorf("probe user %s: %w", username, ErrUnauthorized)
	default:
		return false, fmt.Errorf("probe user %s: unexpected status %d", username, resp.StatusCode)
	}
}

// CreateUser writes the user document for a regular (non-admin) account.
func (c *Client) CreateUser(ctx context.Context, username, password string) error {
	doc := map[string]any{
		"_id":      UserDocPrefix + username,
		"name":     username,
		"password": password,
		"roles":    []string{},
		"type":     "user",
	}
	resp, err := c.do(ctx, http.MethodPut, userPath(username), doc)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return nil
	case http.StatusConflict:
		// Someone else created the account between probe and write.
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("create user %s: %w", username, ErrUnauthorized)
	default:
		return fmt.Errorf("create user %s: unexpected status %d", username, resp.StatusCode)
	}
}

// ── Security ────────────────────────────────────────────────

type securityGroup struct {
	Names []string `json:"names"`
	Roles []string `json:"roles"`
}

type securityObject struct {
	Admins  securityGroup `json:"admins"`
	Members securityGroup `json:"members"`
}

// SetMembers authorizes the given usernames as members (not admins) of db.
func (c *Client) SetMembers(ctx context.Context, db string, usernames []string) error {
	sec := securityObject{
		Admins:  securityGroup{Names: []string{}, Roles: []string{}},
		Members: securityGroup{Names: usernames, Roles: []string{}},
	}
	resp, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(db)+"/_security", sec)
	if err != nil {
		return err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("set members on %s: %w", db, ErrUnauthorized)
	default:
		return fmt.Errorf("set members on %s: unexpected status %d", db, resp.StatusCode)
	}
}

// ── Documents ───────────────────────────────────────────────

// GetDoc fetches one document from db.
func (c *Client) GetDoc(ctx context.Context, db, id string) (*models.Document, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(db)+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("get %s/%s: %w", db, id, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("get %s/%s: %w", db, id, ErrUnauthorized)
	default:
		return nil, fmt.Errorf("get %s/%s: unexpected status %d", db, id, resp.StatusCode)
	}
	var doc models.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", db, id, err)
	}
	return &doc, nil
}

// PutDoc writes one document to db, returning the new remote revision.
// A revision race is surfaced as ErrConflict; the replication engine resolves
// it last-write-wins by re-reading and forcing its version.
func (c *Client) PutDoc(ctx context.Context, db string, doc *models.Document) (string, error) {
	resp, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(db)+"/"+url.PathEscape(doc.ID), doc)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return resp.Header.Get("Etag"), nil
	case http.StatusConflict:
		return "", fmt.Errorf("put %s/%s: %w", db, doc.ID, ErrConflict)
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("put %s/%s: %w", db, doc.ID, ErrUnauthorized)
	default:
		return "", fmt.Errorf("put %s/%s: unexpected status %d", db, doc.ID, resp.StatusCode)
	}
}

// ── Changes Feed ────────────────────────────────────────────

// ChangeResult is one row of a changes feed page.
type ChangeResult struct {
	ID      string           `json:"id"`
	Seq     string           `json:"seq"`
	Deleted bool             `json:"deleted,omitempty"`
	Doc     *models.Document `json:"doc,omitempty"`
}

// ChangesPage is one longpoll page of the changes feed.
type ChangesPage struct {
	Results []ChangeResult `json:"results"`
	LastSeq string         `json:"last_seq"`
}

// Changes reads one longpoll page of db's changes feed with full documents
// included. The caller loops, passing the returned LastSeq back in, and wraps
// reconnects in its own backoff policy.
func (c *Client) Changes(ctx context.Context, db, since string) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("feed", "longpoll")
	q.Set("include_docs", "true")
	q.Set("timeout", "30000")
	if since != "" {
		q.Set("since", since)
	}
	resp, err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(db)+"/_changes?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("changes %s: %w", db, ErrUnauthorized)
	case http.StatusNotFound:
		return nil, fmt.Errorf("changes %s: %w", db, ErrNotFound)
	default:
		return nil, fmt.Errorf("changes %s: unexpected status %d", db, resp.StatusCode)
	}
	var page ChangesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode changes %s: %w", db, err)
	}
	return &page, nil
}
