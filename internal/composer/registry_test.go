package composer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceRegistry(t *testing.T) {
	r := NewNamespaceRegistry(CategoryTools)
	require.NoError(t, r.Register(Component{Name: "add", OriginalName: "add", Server: "a"}))
	err := r.Register(Component{Name: "add", OriginalName: "add", Server: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered by a")

	prev, replaced := r.Replace(Component{Name: "add", OriginalName: "add", Server: "b"})
	assert.True(t, replaced)
	assert.Equal(t, "a", prev.Server)

	require.NoError(t, r.Register(Component{Name: "b_echo", OriginalName: "echo", Server: "b"}))
	c, ok := r.Lookup("b_echo")
	require.True(t, ok)
	assert.Equal(t, CategoryTools, c.Category)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.CountBy("b"))
	assert.Equal(t, map[string]string{"add": "b", "b_echo": "b"}, r.Sources())
	assert.Equal(t, "add", r.All()[0].Name)
}

func TestResolveCounterDisambiguation(t *testing.T) {
	r := NewNamespaceRegistry(CategoryTools)
	for _, name := range []string{"t", "b_t", "b_t_1", "t_b"} {
		require.NoError(t, r.Register(Component{Name: name, Server: "a"}))
	}
	res, err := resolve(r, StrategyPrefix, "b", "t", "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "b_t_2", res.name)
	require.NotNil(t, res.record)
	assert.Equal(t, "t", res.record.OriginalName)
	assert.Equal(t, "b_t_2", res.record.ResolvedName)

	res, err = resolve(r, StrategySuffix, "b", "t", "t", nil)
	require.NoError(t, err)
	assert.Equal(t, "t_b_1", res.name)

	res, err = resolve(r, StrategyPrefix, "b", "fresh", "fresh", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.name)
	assert.Nil(t, res.record)

	res, err = resolve(r, StrategyIgnore, "b", "t", "t", nil)
	require.NoError(t, err)
	assert.False(t, res.keep)
	assert.Nil(t, res.record)

	res, err = resolve(r, StrategyOverride, "b", "t", "t", nil)
	require.NoError(t, err)
	assert.True(t, res.keep)
	assert.Equal(t, "a", res.record.PreviousSource)

	_, err = resolve(r, StrategyError, "b", "t", "t", nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, [2]string{"a", "b"}, ce.Servers)

	// names claimed earlier in the same batch count as taken
	res, err = resolve(r, StrategyPrefix, "c", "u", "u", func(n string) bool { return n == "u" })
	require.NoError(t, err)
	assert.Equal(t, "c_u", res.name)
}

func TestRenamedDefinition(t *testing.T) {
	out := renamed(json.RawMessage(`{"name":"add","description":"d"}`), "calc_add")
	assert.JSONEq(t, `{"name":"calc_add","description":"d"}`, string(out))

	noName := json.RawMessage(`{"uri":"mem://x"}`)
	assert.Equal(t, string(noName), string(renamed(noName, "x")))
	assert.Equal(t, "mem://x", uriOf(noName))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyPrefix, s)
	for _, v := range []string{"prefix", "suffix", "ignore", "override", "error"} {
		_, err := ParseStrategy(v)
		assert.NoError(t, err, v)
	}
	_, err = ParseStrategy("merge")
	assert.Error(t, err)
}

func TestResolveRecordsExportedName(t *testing.T) {
	r := NewNamespaceRegistry(CategoryTools)
	require.NoError(t, r.Register(Component{Name: "a_b_add", Server: "a"}))

	res, err := resolve(r, StrategySuffix, "a_b", "add", "a_b_add", nil)
	require.NoError(t, err)
	assert.Equal(t, "a_b_add_a_b", res.name)
	require.NotNil(t, res.record)
	assert.Equal(t, "add", res.record.OriginalName)
}
