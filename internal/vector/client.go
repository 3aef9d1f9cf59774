// Package vector stores and searches long-term memories in a Qdrant
// vector index over its REST API. Embedding generation is the caller's
// job; this package only moves vectors and payloads.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lumenchat/gateway/internal/httputil"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    httputil.DefaultClient(),
	}
}

// Payload is the document stored alongside each vector.
type Payload struct {
	ChannelID string
	UserID    string
	Content   string
	Type      string
	Timestamp int64
	Metadata  map[string]any
}

// Filter narrows a search or delete to matching payload fields. Empty
// fields are not matched; a zero Filter matches everything.
type Filter struct {
	ChannelID string
	UserID    string
	Type      string
}

func (f Filter) isEmpty() bool {
	return f.ChannelID == "" && f.UserID == "" && f.Type == ""
}

type Result struct {
	ID        string         `json:"id"`
	Score     float64        `json:"score"`
	Content   string         `json:"content"`
	ChannelID string         `json:"channel_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Type      string         `json:"type,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type CollectionInfo struct {
	Name        string `json:"name"`
	PointsCount int64  `json:"points_count"`
	Dimensions  int    `json:"dimensions"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("vector index request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// EnsureCollection creates the collection and its payload indexes if they
// do not exist yet. Safe to race: a concurrent creator winning is treated
// as success.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	status, _, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("check collection %s: unexpected status %d", name, status)
	}

	create := map[string]any{
		"vectors": map[string]any{
			"size":     dimensions,
			"distance": "Cosine",
		},
	}
	status, body, err := c.do(ctx, http.MethodPut, "/collections/"+name, create)
	if err != nil {
		return err
	}
	// 409 means another instance created it between our check and write.
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("create collection %s: status=%d body=%s", name, status, body)
	}

	indexes := []struct {
		field  string
		schema string
	}{
		{"channelId", "keyword"},
		{"userId", "keyword"},
		{"type", "keyword"},
		{"timestamp", "integer"},
	}
	for _, idx := range indexes {
		payload := map[string]any{
			"field_name":   idx.field,
			"field_schema": idx.schema,
		}
		status, _, err := c.do(ctx, http.MethodPut, "/collections/"+name+"/index", payload)
		if err != nil {
			return err
		}
		if status != http.StatusOK && status != http.StatusConflict {
			return fmt.Errorf("create index %s on %s: status=%d", idx.field, name, status)
		}
	}

	return nil
}

// Store writes one point and returns its generated id.
func (c *Client) Store(ctx context.Context, collection string, embedding []float32, p Payload) (string, error) {
	id := uuid.NewString()

	payload := map[string]any{
		"content":   p.Content,
		"timestamp": p.Timestamp,
	}
	if p.ChannelID != "" {
		payload["channelId"] = p.ChannelID
	}
	if p.UserID != "" {
		payload["userId"] = p.UserID
	}
	if p.Type != "" {
		payload["type"] = p.Type
	}
	for k, v := range p.Metadata {
		payload[k] = v
	}

	body := map[string]any{
		"points": []map[string]any{
			{
				"id":      id,
				"vector":  embedding,
				"payload": payload,
			},
		},
	}

	status, respBody, err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("store point in %s: status=%d body=%s", collection, status, respBody)
	}

	return id, nil
}

func buildFilter(f Filter) map[string]any {
	if f.isEmpty() {
		return nil
	}

	var must []map[string]any
	add := func(key, value string) {
		if value != "" {
			must = append(must, map[string]any{
				"key":   key,
				"match": map[string]any{"value": value},
			})
		}
	}
	add("channelId", f.ChannelID)
	add("userId", f.UserID)
	add("type", f.Type)

	return map[string]any{"must": must}
}

// Search runs a similarity query over the collection. A missing collection
// returns an empty result set: an uninitialized tenant looks the same as a
// tenant with no memories.
func (c *Client) Search(ctx context.Context, collection string, embedding []float32, f Filter, limit int, scoreThreshold float64) ([]Result, error) {
	body := map[string]any{
		"vector":       embedding,
		"limit":        limit,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		body["score_threshold"] = scoreThreshold
	}
	if filter := buildFilter(f); filter != nil {
		body["filter"] = filter
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []Result{}, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search %s: status=%d body=%s", collection, status, respBody)
	}

	var parsed struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Result))
	for _, hit := range parsed.Result {
		r := Result{
			ID:    fmt.Sprintf("%v", hit.ID),
			Score: hit.Score,
		}
		metadata := make(map[string]any)
		for k, v := range hit.Payload {
			switch k {
			case "content":
				r.Content, _ = v.(string)
			case "channelId":
				r.ChannelID, _ = v.(string)
			case "userId":
				r.UserID, _ = v.(string)
			case "type":
				r.Type, _ = v.(string)
			case "timestamp":
				if ts, ok := v.(float64); ok {
					r.Timestamp = int64(ts)
				}
			default:
				metadata[k] = v
			}
		}
		if len(metadata) > 0 {
			r.Metadata = metadata
		}
		results = append(results, r)
	}

	return results, nil
}

// Delete removes matching points, or the entire collection when the filter
// is empty. Callers gate the empty-filter path behind an explicit wipe
// confirmation; here "no filter" means "everything".
func (c *Client) Delete(ctx context.Context, collection string, f Filter) error {
	if f.isEmpty() {
		status, body, err := c.do(ctx, http.MethodDelete, "/collections/"+collection, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK && status != http.StatusNotFound {
			return fmt.Errorf("drop collection %s: status=%d body=%s", collection, status, body)
		}
		return nil
	}

	body := map[string]any{"filter": buildFilter(f)}
	status, respBody, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("delete points in %s: status=%d body=%s", collection, status, respBody)
	}

	return nil
}

// Info returns point count and vector dimensionality for one collection.
func (c *Client) Info(ctx context.Context, collection string) (*CollectionInfo, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/collections/"+collection, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("collection info %s: status=%d", collection, status)
	}

	var parsed struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode collection info: %w", err)
	}

	return &CollectionInfo{
		Name:        collection,
		PointsCount: parsed.Result.PointsCount,
		Dimensions:  parsed.Result.Config.Params.Vectors.Size,
	}, nil
}

// ListCollections returns the names of all collections on the index.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list collections: status=%d", status)
	}

	var parsed struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode collections: %w", err)
	}

	names := make([]string, 0, len(parsed.Result.Collections))
	for _, col := range parsed.Result.Collections {
		names = append(names, col.Name)
	}

	return names, nil
}
