// Package directory queries the external directory service for group memberships and users.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/identity"
)

var (
	// ErrUnavailable indicates the directory could not be asked (network, timeout, 5xx, bad body).
	ErrUnavailable = errors.New("directory: unavailable")
	// ErrUnauthorized indicates the directory rejected the delegated token.
	ErrUnauthorized = errors.New("directory: unauthorized")
	// ErrNotFound indicates the requested directory object does not exist.
	ErrNotFound = errors.New("directory: not found")
)

const odataGroupType = "#microsoft.graph.group"

// Group is one directory group membership.
type Group struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// StatusError carries a non-2xx directory response.
type StatusError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// Config configures Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	PageSize   int
	HTTPClient *http.Client
}

// Client is a thin, stateless wrapper over the directory HTTP API.
type Client struct {
	base     *url.URL
	pageSize int
	http     *http.Client
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("directory: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{base: base, pageSize: pageSize, http: client}, nil
}

// ListGroups returns the groups of the principal owning accessToken. No groups is not an error.
func (c *Client) ListGroups(ctx context.Context, accessToken string) ([]Group, error) {
	return c.listMemberOf(ctx, accessToken, "me/memberOf")
}

// ListGroupsFor returns the groups of another principal, read with the caller's delegated token.
func (c *Client) ListGroupsFor(ctx context.Context, accessToken, principalID string) ([]Group, error) {
	if !validObjectKey(principalID) {
		return nil, fmt.Errorf("%w: invalid principal id %q", ErrNotFound, principalID)
	}
	return c.listMemberOf(ctx, accessToken, "users/"+principalID+"/memberOf")
}

type userPayload struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// GetUser looks up a principal by object id or user principal name.
func (c *Client) GetUser(ctx context.Context, accessToken, idOrEmail string) (identity.Principal, error) {
	if !validObjectKey(idOrEmail) {
		return identity.Principal{}, fmt.Errorf("%w: invalid user key %q", ErrNotFound, idOrEmail)
	}
	return c.user(ctx, accessToken, "users/"+idOrEmail)
}

// Me returns the principal that accessToken was issued to.
func (c *Client) Me(ctx context.Context, accessToken string) (identity.Principal, error) {
	return c.user(ctx, accessToken, "me")
}

func (c *Client) user(ctx context.Context, accessToken, path string) (identity.Principal, error) {
	target := c.base.ResolveReference(&url.URL{Path: path})
	q := target.Query()
	q.Set("$select", "id,displayName,mail,userPrincipalName")
	target.RawQuery = q.Encode()

	var payload userPayload
	if err := c.get(ctx, accessToken, target.String(), &payload); err != nil {
		return identity.Principal{}, err
	}
	if payload.ID == "" {
		return identity.Principal{}, fmt.Errorf("%w: user payload missing id", ErrUnavailable)
	}
	email := payload.Mail
	if email == "" {
		email = payload.UserPrincipalName
	}
	return identity.Principal{ID: payload.ID, Email: email, DisplayName: payload.DisplayName}, nil
}

type memberOfPage struct {
	Value []struct {
		ODataType   string `json:"@odata.type"`
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Description string `json:"description"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

func (c *Client) listMemberOf(ctx context.Context, accessToken, path string) ([]Group, error) {
	first := c.base.ResolveReference(&url.URL{Path: path})
	q := first.Query()
	q.Set("$select", "id,displayName,description")
	q.Set("$top", strconv.Itoa(c.pageSize))
	first.RawQuery = q.Encode()

	groups := make([]Group, 0)
	seen := make(map[string]struct{})
	next := first.String()
	for next != "" {
		var page memberOfPage
		if err := c.get(ctx, accessToken, next, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			// memberOf also lists directory roles and administrative units.
			if item.ODataType != "" && item.ODataType != odataGroupType {
				continue
			}
			if item.ID == "" {
				continue
			}
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			groups = append(groups, Group{ID: item.ID, DisplayName: item.DisplayName, Description: item.Description})
		}
		next = page.NextLink
		if next != "" && !c.sameOrigin(next) {
			return nil, fmt.Errorf("%w: next link points outside %s", ErrUnavailable, c.base.Host)
		}
	}
	return groups, nil
}

func (c *Client) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == c.base.Scheme && u.Host == c.base.Host
}

func (c *Client) get(ctx context.Context, accessToken, target string, out any) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("%w: access token required", ErrUnauthorized)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body)), kind: classify(resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func validObjectKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && !strings.ContainsAny(key, "/?#") && key != "." && key != ".."
}

func classify(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrUnavailable
	}
}
