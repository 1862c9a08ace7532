package siteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8000/api"
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// TokenSource supplies the bearer token for outgoing requests.
// An empty token sends the request unauthenticated.
type TokenSource interface {
	Token() string
}

// Client talks to the construction-site REST API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenSource
	onUnauthorized func()
	logger         *slog.Logger
}

// New creates a Client for baseURL. tokens may be nil.
func New(baseURL string, tokens TokenSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		tokens: tokens,
		logger: slog.Default(),
	}
}

// SetTimeout overrides the per-request timeout. Non-positive values are ignored.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// SetTokenSource replaces the bearer token source.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// OnUnauthorized registers a callback invoked whenever the server answers 401.
func (c *Client) OnUnauthorized(fn func()) {
	c.onUnauthorized = fn
}

// BaseURL returns the API root the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// --- writes ---

func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var t Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", in, &t)
	return t, err
}

func (c *Client) CreateIssue(ctx context.Context, in IssueInput) (Issue, error) {
	var is Issue
	err := c.doJSON(ctx, http.MethodPost, "/issues", in, &is)
	return is, err
}

func (c *Client) AddMaterial(ctx context.Context, in MaterialInput) (Material, error) {
	var m Material
	err := c.doJSON(ctx, http.MethodPost, "/materials", in, &m)
	return m, err
}

// CreatePost posts to the per-object create_post resource. Posts without
// files go out as JSON; posts with files are uploaded as multipart form data.
func (c *Client) CreatePost(ctx context.Context, in PostInput) (Post, error) {
	path := fmt.Sprintf("/objects/%d/create_post/", in.Object)
	var p Post
	if len(in.Files) == 0 {
		err := c.doJSON(ctx, http.MethodPost, path, in, &p)
		return p, err
	}

	body, contentType, err := encodePostForm(in)
	if err != nil {
		return Post{}, fmt.Errorf("encoding post form: %w", err)
	}
	err = c.do(ctx, http.MethodPost, path, bytes.NewReader(body), contentType, &p)
	return p, err
}

func encodePostForm(in PostInput) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"title", in.Title},
		{"content", in.Content},
		{"author", strconv.Itoa(in.Author)},
		{"object", strconv.Itoa(in.Object)},
	}
	if in.Coordinates != nil {
		coords, err := json.Marshal(in.Coordinates)
		if err != nil {
			return nil, "", err
		}
		fields = append(fields, [2]string{"coordinates", string(coords)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	for _, att := range in.Files {
		name := att.Name
		if name == "" {
			name = filepath.Base(att.Path)
		}
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			return nil, "", err
		}
		f, err := os.Open(att.Path)
		if err != nil {
			return nil, "", fmt.Errorf("opening attachment %s: %w", att.Path, err)
		}
		_, err = io.Copy(fw, f)
		f.Close()
		if err != nil {
			return nil, "", fmt.Errorf("reading attachment %s: %w", att.Path, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// --- reads ---

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var ps []Project
	err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &ps)
	return ps, err
}

func (c *Client) Project(ctx context.Context, id int) (Project, error) {
	var p Project
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/projects/%d", id), nil, &p)
	return p, err
}

func (c *Client) ObjectPosts(ctx context.Context, objectID int) ([]Post, error) {
	var ps []Post
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/objects/%d/posts/", objectID), nil, &ps)
	return ps, err
}

// --- auth ---

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var resp loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return LoginResult{}, err
	}
	if resp.Token == "" {
		return LoginResult{}, errors.New("invalid server response: missing token")
	}
	return LoginResult{Token: resp.Token, RefreshToken: resp.RefreshToken}, nil
}

// userEndpoints are tried in order; deployments differ in where they expose
// the current user.
var userEndpoints = []string{"/user/", "/users/me/", "/auth/user/", "/profile/"}

// CurrentUser fetches the authenticated user, trying each known endpoint.
// A network failure stops the search immediately.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var lastErr error
	for _, ep := range userEndpoints {
		var u User
		err := c.doJSON(ctx, http.MethodGet, ep, nil, &u)
		if err == nil {
			return u, nil
		}
		if IsNetworkError(err) {
			return User{}, err
		}
		c.logger.Debug("user endpoint failed", "endpoint", ep, "error", err)
		lastErr = err
	}
	return User{}, fmt.Errorf("all user endpoints failed: %w", lastErr)
}

// Ping reports whether the API host answers at all. Any HTTP response,
// including error statuses, counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "GET /health/", Err: err}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return nil
}

// --- transport ---

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.logger.Warn("unauthorized response, clearing session", "op", op)
			c.onUnauthorized()
		}
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &DecodeError{Op: op, Code: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if err := decodeEnvelope(raw, out); err != nil {
		return &DecodeError{Op: op, Code: resp.StatusCode, Err: err}
	}
	return nil
}

// decodeEnvelope accepts both bare payloads and the {"data": ...} envelope
// some resources wrap their responses in.
func decodeEnvelope(raw []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
			return json.Unmarshal(env.Data, out)
		}
	}
	return json.Unmarshal(raw, out)
}
