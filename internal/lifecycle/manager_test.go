package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/otb-data/gkg-ingest/internal/elasticsearch"
)

// fakeAdmin is an in-memory stand-in for the cluster admin API.
type fakeAdmin struct {
	policies map[string]json.RawMessage
	indices  map[string]any
	aliases  map[string][]elasticsearch.AliasBinding

	putPolicyCalls   int
	createIndexCalls int
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		policies: map[string]json.RawMessage{},
		indices:  map[string]any{},
		aliases:  map[string][]elasticsearch.AliasBinding{},
	}
}

func (f *fakeAdmin) GetILMPolicy(_ context.Context, name string) (json.RawMessage, bool, error) {
	p, ok := f.policies[name]
	return p, ok, nil
}

func (f *fakeAdmin) PutILMPolicy(_ context.Context, name string, body any) error {
	f.putPolicyCalls++
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return err
	}
	f.policies[name] = outer["policy"]
	return nil
}

func (f *fakeAdmin) AliasExists(_ context.Context, alias string) (bool, error) {
	_, ok := f.aliases[alias]
	return ok, nil
}

func (f *fakeAdmin) CreateIndex(_ context.Context, name string, body any) error {
	f.createIndexCalls++
	f.indices[name] = body

	raw, _ := json.Marshal(body)
	var parsed struct {
		Aliases map[string]struct {
			IsWriteIndex bool `json:"is_write_index"`
		} `json:"aliases"`
	}
	_ = json.Unmarshal(raw, &parsed)
	for alias, a := range parsed.Aliases {
		f.aliases[alias] = append(f.aliases[alias], elasticsearch.AliasBinding{
			Index:        name,
			IsWriteIndex: a.IsWriteIndex,
		})
	}
	return nil
}

func (f *fakeAdmin) GetAlias(_ context.Context, alias string) ([]elasticsearch.AliasBinding, error) {
	return f.aliases[alias], nil
}

func (f *fakeAdmin) IndexStatuses(_ context.Context, pattern string) ([]elasticsearch.IndexInfo, error) {
	var infos []elasticsearch.IndexInfo
	for name := range f.indices {
		infos = append(infos, elasticsearch.IndexInfo{Name: name, PolicyName: "gkg-policy"})
	}
	return infos, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func manager(admin adminAPI) *Manager {
	return New(admin, "gkg", PolicySpec{
		Name:            "gkg-policy",
		RolloverMaxAge:  "7d",
		RolloverMaxSize: "50gb",
		DeleteMinAge:    "30d",
	}, discard())
}

func TestEnsurePolicyCreatesWhenAbsent(t *testing.T) {
	admin := newFakeAdmin()
	m := manager(admin)

	created, drift, err := m.EnsurePolicy(context.Background())
	require.NoError(t, err)
	require.True(t, created)
	require.False(t, drift)
	require.Equal(t, 1, admin.putPolicyCalls)
}

func TestEnsurePolicyIdempotent(t *testing.T) {
	admin := newFakeAdmin()
	m := manager(admin)

	_, _, err := m.EnsurePolicy(context.Background())
	require.NoError(t, err)

	created, drift, err := m.EnsurePolicy(context.Background())
	require.NoError(t, err)
	require.False(t, created)
	require.False(t, drift)
	require.Equal(t, 1, admin.putPolicyCalls, "second run must not rewrite the policy")
}

func TestEnsurePolicyReportsDriftWithoutOverwriting(t *testing.T) {
	admin := newFakeAdmin()
	admin.policies["gkg-policy"] = json.RawMessage(`{"phases":{"hot":{"min_age":"0ms","actions":{"rollover":{"max_age":"1d"}}}}}`)
	m := manager(admin)

	created, drift, err := m.EnsurePolicy(context.Background())
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, drift)
	require.Zero(t, admin.putPolicyCalls, "drift must never overwrite the live policy")
}

func TestEnsureBootstrapIndexCreatesWriteIndex(t *testing.T) {
	admin := newFakeAdmin()
	m := manager(admin)

	created, err := m.EnsureBootstrapIndex(context.Background(), "")
	require.NoError(t, err)
	require.True(t, created)
	require.Contains(t, admin.indices, "gkg-000001")

	raw, _ := json.Marshal(admin.indices["gkg-000001"])
	var body struct {
		Settings map[string]any `json:"settings"`
		Aliases  map[string]struct {
			IsWriteIndex bool `json:"is_write_index"`
		} `json:"aliases"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "gkg-policy", body.Settings["index.lifecycle.name"])
	require.Equal(t, "gkg", body.Settings["index.lifecycle.rollover_alias"])
	require.True(t, body.Aliases["gkg"].IsWriteIndex)
}

func TestEnsureBootstrapIndexIdempotent(t *testing.T) {
	admin := newFakeAdmin()
	m := manager(admin)

	created, err := m.EnsureBootstrapIndex(context.Background(), "")
	require.NoError(t, err)
	require.True(t, created)

	created, err = m.EnsureBootstrapIndex(context.Background(), "")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 1, admin.createIndexCalls)

	// Still writable after the no-op.
	ok, err := m.VerifyWritable(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEnsureBootstrapIndexCustomInitialName(t *testing.T) {
	admin := newFakeAdmin()
	m := manager(admin)

	created, err := m.EnsureBootstrapIndex(context.Background(), "gkg-2025.11-000001")
	require.NoError(t, err)
	require.True(t, created)
	require.Contains(t, admin.indices, "gkg-2025.11-000001")
}

func TestVerifyWritable(t *testing.T) {
	tests := []struct {
		name     string
		bindings []elasticsearch.AliasBinding
		want     bool
	}{
		{name: "no alias", bindings: nil, want: false},
		{
			name:     "single write index",
			bindings: []elasticsearch.AliasBinding{{Index: "gkg-000001", IsWriteIndex: true}},
			want:     true,
		},
		{
			name: "rolled over once",
			bindings: []elasticsearch.AliasBinding{
				{Index: "gkg-000001"},
				{Index: "gkg-000002", IsWriteIndex: true},
			},
			want: true,
		},
		{
			name: "two write indices",
			bindings: []elasticsearch.AliasBinding{
				{Index: "gkg-000001", IsWriteIndex: true},
				{Index: "gkg-000002", IsWriteIndex: true},
			},
			want: false,
		},
		{
			name:     "single index without explicit flag",
			bindings: []elasticsearch.AliasBinding{{Index: "gkg-000001"}},
			want:     true,
		},
		{
			name: "several indices, none writable",
			bindings: []elasticsearch.AliasBinding{
				{Index: "gkg-000001"},
				{Index: "gkg-000002"},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := newFakeAdmin()
			if tt.bindings != nil {
				admin.aliases["gkg"] = tt.bindings
			}
			ok, err := manager(admin).VerifyWritable(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.want, ok)
		})
	}
}

func TestPolicyBodyShape(t *testing.T) {
	m := manager(newFakeAdmin())
	raw, err := json.Marshal(m.policyBody())
	require.NoError(t, err)

	var body struct {
		Policy struct {
			Phases struct {
				Hot struct {
					Actions struct {
						Rollover map[string]any `json:"rollover"`
					} `json:"actions"`
				} `json:"hot"`
				Delete struct {
					MinAge string `json:"min_age"`
				} `json:"delete"`
			} `json:"phases"`
		} `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "7d", body.Policy.Phases.Hot.Actions.Rollover["max_age"])
	require.Equal(t, "50gb", body.Policy.Phases.Hot.Actions.Rollover["max_primary_shard_size"])
	require.NotContains(t, body.Policy.Phases.Hot.Actions.Rollover, "max_docs")
	require.Equal(t, "30d", body.Policy.Phases.Delete.MinAge)
}
