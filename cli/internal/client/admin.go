package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/telhawk-systems/taskhub-stack/common/models"
)

type Tenant struct {
	TenantID         string     `json:"tenant_id"`
	DataNamespace    string     `json:"data_namespace"`
	StorageNamespace string     `json:"storage_namespace"`
	CreatedAt        time.Time  `json:"created_at"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
}

// Active reports whether the tenant has not been offboarded.
func (t Tenant) Active() bool { return t.DeactivatedAt == nil }

type OnboardRequest struct {
	TenantID         string `json:"tenant_id"`
	DataNamespace    string `json:"data_namespace,omitempty"`
	StorageNamespace string `json:"storage_namespace,omitempty"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DeadLetter struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	TenantID       string          `json:"tenant_id"`
	Reason         string          `json:"reason"`
	Error          string          `json:"error"`
	Attempts       int             `json:"attempts"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
	HandlerID      string          `json:"handler_id,omitempty"`
	Event          *models.Event   `json:"event,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	OrderingKey    string          `json:"ordering_key,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Origin names the handler or queue message the entry came from.
func (d DeadLetter) Origin() string {
	if d.HandlerID != "" {
		return d.HandlerID
	}
	return d.Kind
}

type DeadLetterFilter struct {
	TenantID string
	Source   string
	Limit    int
}

type DeadLetterStats struct {
	Backend  string         `json:"backend"`
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
}

type ReplayResult struct {
	EntryID   string `json:"entry_id"`
	Source    string `json:"source"`
	HandlerID string `json:"handler_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type Subscription struct {
	Pattern  string   `json:"pattern"`
	Handlers []string `json:"handlers"`
}

type SubscriptionSnapshot struct {
	Version       uint64         `json:"version"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type QueueStatus struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Keys     int `json:"keys"`
	Applier  struct {
		Applied uint64 `json:"applied"`
		Skipped uint64 `json:"skipped"`
		Failed  uint64 `json:"failed"`
	} `json:"applier"`
}

type ArchivedEvent struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

type ArchiveQuery struct {
	TenantID string
	Type     string
	Since    time.Time
	Limit    int
}

func (c *Client) ListTenants(ctx context.Context) ([]Tenant, error) {
	var out struct {
		Tenants []Tenant `json:"tenants"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/v1/tenants", nil, &out); err != nil {
		return nil, err
	}
	return out.Tenants, nil
}

func (c *Client) OnboardTenant(ctx context.Context, req OnboardRequest) (*Tenant, error) {
	var out Tenant
	if err := c.doJSON(ctx, http.MethodPost, "/admin/v1/tenants", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OffboardTenant(ctx context.Context, tenantID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/admin/v1/tenants/"+url.PathEscape(tenantID), nil, nil)
}

func (c *Client) IssueToken(ctx context.Context, tenantID string) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/admin/v1/tenants/"+url.PathEscape(tenantID)+"/token", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetter, error) {
	path := withQuery("/admin/v1/deadletters", url.Values{
		"tenant_id": {f.TenantID},
		"source":    {f.Source},
		"limit":     {limitParam(f.Limit)},
	})
	var out struct {
		DeadLetters []DeadLetter `json:"dead_letters"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

func (c *Client) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	var out DeadLetter
	if err := c.doJSON(ctx, http.MethodGet, "/admin/v1/deadletters/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteDeadLetter(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/admin/v1/deadletters/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ReplayDeadLetter(ctx context.Context, id string) (*ReplayResult, error) {
	var out ReplayResult
	if err := c.doJSON(ctx, http.MethodPost, "/admin/v1/deadletters/"+url.PathEscape(id)+"/replay", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeadLetterStats(ctx context.Context) (*DeadLetterStats, error) {
	var out DeadLetterStats
	if err := c.doJSON(ctx, http.MethodGet, "/admin/v1/deadletters/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Subscriptions(ctx context.Context) (*SubscriptionSnapshot, error) {
	var out SubscriptionSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/admin/v1/subscriptions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueueStats(ctx context.Context) (*QueueStatus, error) {
	var out QueueStatus
	if err := c.doJSON(ctx, http.MethodGet, "/admin/v1/queue/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchArchive(ctx context.Context, q ArchiveQuery) ([]ArchivedEvent, error) {
	params := url.Values{
		"tenant_id": {q.TenantID},
		"type":      {q.Type},
		"limit":     {limitParam(q.Limit)},
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	var out struct {
		Events []ArchivedEvent `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/admin/v1/archive/events", params), nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}
