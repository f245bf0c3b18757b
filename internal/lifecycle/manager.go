// Package lifecycle provisions and verifies the ILM policy, bootstrap index
// and rollover alias that ingestion writes into. Index topology changes on a
// much slower cadence than documents, so every operation here is idempotent
// and safe to re-run independently of any ingestion run.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
)

// ErrNotWritable reports an alias that does not resolve to exactly one
// write-enabled index. Ingestion must not start while this holds.
var ErrNotWritable = errors.New("lifecycle: alias is not writable")

// adminAPI is the slice of the Elasticsearch client the manager needs.
type adminAPI interface {
	GetILMPolicy(ctx context.Context, name string) (json.RawMessage, bool, error)
	PutILMPolicy(ctx context.Context, name string, body any) error
	AliasExists(ctx context.Context, alias string) (bool, error)
	CreateIndex(ctx context.Context, name string, body any) error
	GetAlias(ctx context.Context, alias string) ([]elasticsearch.AliasBinding, error)
	IndexStatuses(ctx context.Context, pattern string) ([]elasticsearch.IndexInfo, error)
}

// PolicySpec names an ILM policy and its rollover/retention rules.
type PolicySpec struct {
	Name string
	// Rollover triggers; empty/zero values are omitted from the policy.
	RolloverMaxAge  string // e.g. "7d"
	RolloverMaxSize string // e.g. "50gb"
	RolloverMaxDocs int64
	// DeleteMinAge is the retention horizon after rollover, e.g. "30d".
	// Empty disables the delete phase.
	DeleteMinAge string
}

// Manager coordinates policy, bootstrap index and rollover alias.
type Manager struct {
	admin  adminAPI
	alias  string
	policy PolicySpec
	log    *slog.Logger
}

// New creates a Manager for one alias/policy pair.
func New(admin adminAPI, alias string, policy PolicySpec, log *slog.Logger) *Manager {
	return &Manager{admin: admin, alias: alias, policy: policy, log: log}
}

// EnsurePolicy creates the ILM policy when absent. When a policy of the same
// name exists with different rules it reports drift instead of overwriting:
// rewriting a live policy changes rollover behavior of existing indices.
func (m *Manager) EnsurePolicy(ctx context.Context) (created, drift bool, err error) {
	existing, found, err := m.admin.GetILMPolicy(ctx, m.policy.Name)
	if err != nil {
		return false, false, err
	}

	desired := m.policyBody()
	if !found {
		if err := m.admin.PutILMPolicy(ctx, m.policy.Name, desired); err != nil {
			return false, false, err
		}
		m.log.Info("created ilm policy", slog.String("policy", m.policy.Name))
		return true, false, nil
	}

	if !policiesEqual(existing, desired["policy"]) {
		m.log.Warn("ilm policy drift: existing policy differs from configured rules, not overwriting",
			slog.String("policy", m.policy.Name))
		return false, true, nil
	}

	m.log.Info("ilm policy up to date", slog.String("policy", m.policy.Name))
	return false, false, nil
}

// EnsureBootstrapIndex creates the first concrete index of the rollover
// sequence, bound to the policy and marked as the alias write index. No-op
// when the alias already resolves.
func (m *Manager) EnsureBootstrapIndex(ctx context.Context, initialIndex string) (bool, error) {
	exists, err := m.admin.AliasExists(ctx, m.alias)
	if err != nil {
		return false, err
	}
	if exists {
		m.log.Info("rollover alias already exists", slog.String("alias", m.alias))
		return false, nil
	}

	if initialIndex == "" {
		initialIndex = m.alias + "-000001"
	}

	body := map[string]any{
		"settings": map[string]any{
			"index.lifecycle.name":           m.policy.Name,
			"index.lifecycle.rollover_alias": m.alias,
		},
		"mappings": documentMapping(),
		"aliases": map[string]any{
			m.alias: map[string]any{"is_write_index": true},
		},
	}
	if err := m.admin.CreateIndex(ctx, initialIndex, body); err != nil {
		return false, err
	}

	m.log.Info("created bootstrap index",
		slog.String("index", initialIndex),
		slog.String("alias", m.alias),
		slog.String("policy", m.policy.Name),
	)
	return true, nil
}

// VerifyWritable checks, read-only, that the alias resolves to exactly one
// write-enabled index.
func (m *Manager) VerifyWritable(ctx context.Context) (bool, error) {
	bindings, err := m.admin.GetAlias(ctx, m.alias)
	if err != nil {
		return false, err
	}

	writers := 0
	for _, b := range bindings {
		if b.IsWriteIndex {
			writers++
		}
	}
	// A single-index alias without an explicit write flag is still writable.
	if writers == 0 && len(bindings) == 1 {
		writers = 1
	}
	return writers == 1, nil
}

// Status reports every index of the rollover sequence with its attached
// policy and document count.
func (m *Manager) Status(ctx context.Context) ([]elasticsearch.IndexInfo, error) {
	infos, err := m.admin.IndexStatuses(ctx, m.alias+"-*")
	if err != nil {
		return nil, fmt.Errorf("index status for alias %s: %w", m.alias, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// policyBody renders the full ILM policy document.
func (m *Manager) policyBody() map[string]any {
	rollover := map[string]any{}
	if m.policy.RolloverMaxAge != "" {
		rollover["max_age"] = m.policy.RolloverMaxAge
	}
	if m.policy.RolloverMaxSize != "" {
		rollover["max_primary_shard_size"] = m.policy.RolloverMaxSize
	}
	if m.policy.RolloverMaxDocs > 0 {
		rollover["max_docs"] = m.policy.RolloverMaxDocs
	}

	phases := map[string]any{
		"hot": map[string]any{
			"min_age": "0ms",
			"actions": map[string]any{"rollover": rollover},
		},
	}
	if m.policy.DeleteMinAge != "" {
		phases["delete"] = map[string]any{
			"min_age": m.policy.DeleteMinAge,
			"actions": map[string]any{"delete": map[string]any{}},
		}
	}

	return map[string]any{"policy": map[string]any{"phases": phases}}
}

// policiesEqual compares the stored policy against the desired one after a
// JSON round-trip normalization on both sides.
func policiesEqual(existing json.RawMessage, desired any) bool {
	var got map[string]any
	if err := json.Unmarshal(existing, &got); err != nil {
		return false
	}
	raw, err := json.Marshal(desired)
	if err != nil {
		return false
	}
	var want map[string]any
	if err := json.Unmarshal(raw, &want); err != nil {
		return false
	}
	return reflect.DeepEqual(got, want)
}

// documentMapping is the index mapping for parsed GKG documents.
func documentMapping() map[string]any {
	return map[string]any{
		"properties": map[string]any{
			"id":       map[string]any{"type": "keyword"},
			"date":     map[string]any{"type": "date"},
			"num_arts": map[string]any{"type": "integer"},
			"themes":   map[string]any{"type": "keyword"},
			"persons":  map[string]any{"type": "keyword"},
			"organizations": map[string]any{
				"type": "keyword",
			},
			"cameo_event_ids": map[string]any{"type": "keyword"},
			"sources":         map[string]any{"type": "keyword"},
			"source_urls":     map[string]any{"type": "keyword"},
			"domain":          map[string]any{"type": "keyword"},
			"geo_point":       map[string]any{"type": "geo_point"},
			"locations": map[string]any{
				"type": "nested",
				"properties": map[string]any{
					"type":         map[string]any{"type": "keyword"},
					"full_name":    map[string]any{"type": "keyword"},
					"country_code": map[string]any{"type": "keyword"},
					"adm1":         map[string]any{"type": "keyword"},
					"lat":          map[string]any{"type": "float"},
					"lon":          map[string]any{"type": "float"},
					"feature_id":   map[string]any{"type": "keyword"},
				},
			},
			"counts": map[string]any{
				"type": "nested",
				"properties": map[string]any{
					"type":   map[string]any{"type": "keyword"},
					"count":  map[string]any{"type": "long"},
					"object": map[string]any{"type": "keyword"},
				},
			},
			"tone": map[string]any{
				"properties": map[string]any{
					"tone":                   map[string]any{"type": "float"},
					"positive_score":         map[string]any{"type": "float"},
					"negative_score":         map[string]any{"type": "float"},
					"polarity":               map[string]any{"type": "float"},
					"activity_ref_density":   map[string]any{"type": "float"},
					"self_group_ref_density": map[string]any{"type": "float"},
				},
			},
		},
	}
}
