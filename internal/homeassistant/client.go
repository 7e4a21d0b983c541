// Package homeassistant provides clients for the Home Assistant API.
// It is the platform capability the rest of Hearth builds on: entity
// state reads, service calls, and the area/entity registries. Tool
// adapters translate structured calls into these primitives and never
// talk HTTP themselves.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/verlo/hearth/internal/httpkit"
)

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Home Assistant client. LAN targets drop off
// briefly during HA restarts, so transient dial failures are retried at
// the transport level.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		logger:  logger.With("component", "homeassistant"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, or the entity ID
// when none is set.
func (s *State) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok && fn != "" {
		return fn
	}
	return s.EntityID
}

// Domain returns the entity's domain (the part before the dot).
func (s *State) Domain() string {
	if i := strings.IndexByte(s.EntityID, '.'); i > 0 {
		return s.EntityID[:i]
	}
	return ""
}

// Area represents a Home Assistant area.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// EntityRegistryEntry represents an entity from the registry with area info.
type EntityRegistryEntry struct {
	EntityID   string `json:"entity_id"`
	Name       string `json:"name"`
	AreaID     string `json:"area_id"`
	DeviceID   string `json:"device_id"`
	DisabledBy string `json:"disabled_by"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetStates retrieves all entity states, optionally filtered by domain.
func (c *Client) GetStates(ctx context.Context, domain string) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	if domain == "" {
		return states, nil
	}

	prefix := domain + "."
	filtered := states[:0]
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, prefix) {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// GetState retrieves a single entity state. Returns nil without error
// when the entity does not exist.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	err := c.get(ctx, "/api/states/"+entityID, &state)
	if err != nil {
		var nf *notFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// CallService calls a Home Assistant service. When blocking is false the
// call runs in the background with its own deadline and errors are only
// logged — used for fire-and-forget delivery like TTS announcements.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any, blocking bool) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	if blocking {
		return c.post(ctx, path, data, nil)
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.post(bgCtx, path, data, nil); err != nil {
			c.logger.Warn("background service call failed",
				"domain", domain, "service", service, "error", err)
		}
	}()
	return nil
}

// GetAreas retrieves all areas from the area registry.
func (c *Client) GetAreas(ctx context.Context) ([]Area, error) {
	var areas []Area
	if err := c.get(ctx, "/api/config/area_registry/list", &areas); err != nil {
		return nil, err
	}
	return areas, nil
}

// GetEntityRegistry retrieves the entity registry.
func (c *Client) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.get(ctx, "/api/config/entity_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// EntityInfo combines state, registry, and area info for an entity.
type EntityInfo struct {
	EntityID     string
	FriendlyName string
	Domain       string
	AreaName     string
	State        string
}

// GetEntities retrieves entities with resolved area names, optionally
// filtered by domain. Disabled registry entries are excluded.
func (c *Client) GetEntities(ctx context.Context, domain string) ([]EntityInfo, error) {
	states, err := c.GetStates(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}

	areaByEntity := c.entityAreaNames(ctx)

	entities := make([]EntityInfo, 0, len(states))
	for _, s := range states {
		d := s.Domain()
		if d == "" {
			continue
		}
		entities = append(entities, EntityInfo{
			EntityID:     s.EntityID,
			FriendlyName: s.FriendlyName(),
			Domain:       d,
			AreaName:     areaByEntity[s.EntityID],
			State:        s.State,
		})
	}
	return entities, nil
}

// entityAreaNames maps entity IDs to area names via the two registries.
// Registry failures degrade to empty area names rather than failing the
// caller — area grouping is a nicety, not a requirement.
func (c *Client) entityAreaNames(ctx context.Context) map[string]string {
	areas, err := c.GetAreas(ctx)
	if err != nil {
		c.logger.Debug("area registry unavailable", "error", err)
		return nil
	}
	entries, err := c.GetEntityRegistry(ctx)
	if err != nil {
		c.logger.Debug("entity registry unavailable", "error", err)
		return nil
	}

	nameByAreaID := make(map[string]string, len(areas))
	for _, a := range areas {
		nameByAreaID[a.AreaID] = a.Name
	}

	result := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDisabled() || e.AreaID == "" {
			continue
		}
		if name, ok := nameByAreaID[e.AreaID]; ok {
			result[e.EntityID] = name
		}
	}
	return result
}

// notFoundError marks a 404 so GetState can map it to (nil, nil).
type notFoundError struct {
	path string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.path)
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return &notFoundError{path: path}
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
