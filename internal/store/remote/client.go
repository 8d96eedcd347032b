// Package remote is a store.Backend that talks to a hub server.
//
// Operations are JSON over HTTP and run through a circuit breaker, so a
// hub that keeps failing is not hammered by every local edit. Subscribe
// opens a websocket per workspace.
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

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tasknest/tasknest/internal/logging"
	"github.com/tasknest/tasknest/internal/schema"
	"github.com/tasknest/tasknest/internal/store"
)

// UserHeader carries the calling user's id. It matches the hub's header.
const UserHeader = "X-Nest-User"

// DefaultTimeout bounds a single HTTP request.
const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	// URL of the hub, e.g. http://localhost:8080
	URL string

	// Timeout per HTTP request (default: 10s)
	Timeout time.Duration

	// User returns the id sent in UserHeader. May be nil.
	User func() string

	// HTTPClient overrides the transport. Its Timeout is left alone.
	HTTPClient *http.Client

	// Logger for client activity (default: discard)
	Logger logrus.FieldLogger
}

// Client implements store.Backend against a hub.
type Client struct {
	base    *url.URL
	http    *http.Client
	user    func() string
	breaker *gobreaker.CircuitBreaker
	logger  logrus.FieldLogger
}

var _ store.Backend = (*Client)(nil)

// New creates a client for the hub at cfg.URL.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hub url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid hub url %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid hub url %q: scheme must be http or https", cfg.URL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := logging.OrDiscard(cfg.Logger).WithField("component", "remote")
	c := &Client{
		base:   base,
		http:   httpClient,
		user:   cfg.User,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hub",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// Only an unreachable hub counts against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, store.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("Circuit breaker state changed")
		},
	})
	return c, nil
}

// URL returns the hub base URL.
func (c *Client) URL() string {
	return c.base.String()
}

// ListTasks returns the workspace's tasks.
func (c *Client) ListTasks(ctx context.Context, workspaceID string) ([]*schema.Task, error) {
	var rows []store.Row
	if err := c.do(ctx, http.MethodGet, "/api/workspaces/"+url.PathEscape(workspaceID)+"/tasks", nil, &rows); err != nil {
		return nil, err
	}
	tasks := make([]*schema.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.Task()
		if err != nil {
			return nil, fmt.Errorf("failed to decode task list: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// InsertTask stores a new task.
func (c *Client) InsertTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	var row store.Row
	if err := c.do(ctx, http.MethodPost, "/api/tasks", store.RowFromTask(task), &row); err != nil {
		return nil, err
	}
	return decodeRow(row)
}

// UpdateTask applies a partial update.
func (c *Client) UpdateTask(ctx context.Context, id string, patch schema.Patch) (*schema.Task, error) {
	var row store.Row
	if err := c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), store.PatchFields(patch), &row); err != nil {
		return nil, err
	}
	return decodeRow(row)
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// GetUpdatedAt reads a task's last-modified time.
func (c *Client) GetUpdatedAt(ctx context.Context, id string) (time.Time, error) {
	var resp struct {
		UpdatedAt string `json:"updated_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/updated_at", nil, &resp); err != nil {
		return time.Time{}, err
	}
	at, err := store.ParseTime(resp.UpdatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid updated_at for task %s: %w", id, err)
	}
	return at, nil
}

// FindActiveWorkspace returns the user's most recently joined workspace.
func (c *Client) FindActiveWorkspace(ctx context.Context, userID string) (string, error) {
	var resp workspaceResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/workspace", nil, &resp); err != nil {
		return "", err
	}
	return resp.WorkspaceID, nil
}

// IsMember reports whether the user belongs to the workspace.
func (c *Client) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	var resp struct {
		Member bool `json:"member"`
	}
	path := "/api/users/" + url.PathEscape(userID) + "/workspaces/" + url.PathEscape(workspaceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Member, nil
}

// CreateWorkspace creates a workspace owned by the user.
func (c *Client) CreateWorkspace(ctx context.Context, userID string) (string, error) {
	var resp workspaceResponse
	if err := c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/workspaces", nil, &resp); err != nil {
		return "", err
	}
	return resp.WorkspaceID, nil
}

// MigrateOrphanTasks moves the user's workspace-less tasks into the workspace.
func (c *Client) MigrateOrphanTasks(ctx context.Context, userID, workspaceID string) (int, error) {
	var resp struct {
		Migrated int `json:"migrated"`
	}
	path := "/api/users/" + url.PathEscape(userID) + "/workspaces/" + url.PathEscape(workspaceID) + "/migrate"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Migrated, nil
}

type workspaceResponse struct {
	WorkspaceID string `json:"workspace_id"`
}

func decodeRow(row store.Row) (*schema.Task, error) {
	t, err := row.Task()
	if err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return t, nil
}

// do runs one request through the breaker.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s %s: %w", store.ErrUnavailable, method, path, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if user := c.currentUser(); user != "" {
		req.Header.Set(UserHeader, user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", store.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
	}).Debug("Hub request")

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// statusError maps a hub error response onto the store sentinels.
func statusError(method, path string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, store.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, store.ErrExists)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%s: %w", msg, store.ErrInvalid)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d: %s", store.ErrUnavailable, method, path, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, msg)
	}
}

func (c *Client) currentUser() string {
	if c.user == nil {
		return ""
	}
	return c.user()
}
