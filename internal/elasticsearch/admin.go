package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// AliasBinding describes one concrete index behind an alias.
type AliasBinding struct {
	Index        string
	IsWriteIndex bool
}

// IndexInfo is a per-index lifecycle status row.
type IndexInfo struct {
	Name       string
	PolicyName string
	DocsCount  int64
}

// GetILMPolicy fetches an ILM policy body. The second return is false when
// the policy does not exist.
func (c *Client) GetILMPolicy(ctx context.Context, name string) (json.RawMessage, bool, error) {
	res, err := c.es.ILM.GetLifecycle(
		c.es.ILM.GetLifecycle.WithPolicy(name),
		c.es.ILM.GetLifecycle.WithContext(ctx),
	)
	if err != nil {
		return nil, false, fmt.Errorf("get ilm policy: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, false, fmt.Errorf("get ilm policy failed: %s", strings.TrimSpace(string(body)))
	}

	var parsed map[string]struct {
		Policy json.RawMessage `json:"policy"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("decode ilm policy: %w", err)
	}
	entry, ok := parsed[name]
	if !ok {
		return nil, false, nil
	}
	return entry.Policy, true, nil
}

// PutILMPolicy creates or replaces an ILM policy.
func (c *Client) PutILMPolicy(ctx context.Context, name string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal ilm policy: %w", err)
	}

	res, err := c.es.ILM.PutLifecycle(
		name,
		c.es.ILM.PutLifecycle.WithBody(bytes.NewReader(payload)),
		c.es.ILM.PutLifecycle.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("put ilm policy: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("put ilm policy failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// AliasExists reports whether the alias resolves to at least one index.
func (c *Client) AliasExists(ctx context.Context, alias string) (bool, error) {
	res, err := c.es.Indices.ExistsAlias(
		[]string{alias},
		c.es.Indices.ExistsAlias.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("check alias: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check alias failed: %s", res.Status())
	}
}

// CreateIndex creates a concrete index with the given settings/mappings body.
func (c *Client) CreateIndex(ctx context.Context, name string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal index body: %w", err)
	}

	res, err := c.es.Indices.Create(
		name,
		c.es.Indices.Create.WithBody(bytes.NewReader(payload)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return fmt.Errorf("create index failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// GetAlias returns the concrete indices behind an alias with their write flag.
func (c *Client) GetAlias(ctx context.Context, alias string) ([]AliasBinding, error) {
	res, err := c.es.Indices.GetAlias(
		c.es.Indices.GetAlias.WithName(alias),
		c.es.Indices.GetAlias.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("get alias: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("get alias failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed map[string]struct {
		Aliases map[string]struct {
			IsWriteIndex bool `json:"is_write_index"`
		} `json:"aliases"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode alias response: %w", err)
	}

	bindings := make([]AliasBinding, 0, len(parsed))
	for index, info := range parsed {
		b := AliasBinding{Index: index}
		if a, ok := info.Aliases[alias]; ok {
			b.IsWriteIndex = a.IsWriteIndex
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// IndexStatuses lists indices matching the pattern with their attached
// lifecycle policy and primary document count.
func (c *Client) IndexStatuses(ctx context.Context, pattern string) ([]IndexInfo, error) {
	res, err := c.es.Indices.GetSettings(
		c.es.Indices.GetSettings.WithIndex(pattern),
		c.es.Indices.GetSettings.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("get index settings: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("get index settings failed: %s", strings.TrimSpace(string(data)))
	}

	var settings map[string]struct {
		Settings struct {
			Index struct {
				Lifecycle struct {
					Name string `json:"name"`
				} `json:"lifecycle"`
			} `json:"index"`
		} `json:"settings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("decode index settings: %w", err)
	}

	counts, err := c.primaryDocCounts(ctx, pattern)
	if err != nil {
		return nil, err
	}

	infos := make([]IndexInfo, 0, len(settings))
	for name, s := range settings {
		infos = append(infos, IndexInfo{
			Name:       name,
			PolicyName: s.Settings.Index.Lifecycle.Name,
			DocsCount:  counts[name],
		})
	}
	return infos, nil
}

func (c *Client) primaryDocCounts(ctx context.Context, pattern string) (map[string]int64, error) {
	res, err := c.es.Indices.Stats(
		c.es.Indices.Stats.WithIndex(pattern),
		c.es.Indices.Stats.WithMetric("docs"),
		c.es.Indices.Stats.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("get index stats: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("get index stats failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Indices map[string]struct {
			Primaries struct {
				Docs struct {
					Count int64 `json:"count"`
				} `json:"docs"`
			} `json:"primaries"`
		} `json:"indices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode index stats: %w", err)
	}

	counts := make(map[string]int64, len(parsed.Indices))
	for name, stats := range parsed.Indices {
		counts[name] = stats.Primaries.Docs.Count
	}
	return counts, nil
}
