package xmlparse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSimpleDocument(t *testing.T) {
	mod := New()
	result, err := mod.Call(context.Background(), "parse", map[string]any{
		"document": `<root id="1"><child>hello</child></root>`,
	}, nil)
	require.NoError(t, err)

	m := result.(map[string]any)
	require.True(t, m["success"].(bool))
	root := m["root"].(*node)
	require.Equal(t, "root", root.Tag)
	require.Equal(t, "1", root.Attrs["id"])
	require.Len(t, root.Children, 1)
	require.Equal(t, "child", root.Children[0].Tag)
	require.Equal(t, "hello", root.Children[0].Text)
}

func TestBuildRoundTrips(t *testing.T) {
	mod := New()

	parsed, err := mod.Call(context.Background(), "parse", map[string]any{
		"document": `<root><child>hi</child></root>`,
	}, nil)
	require.NoError(t, err)
	root := parsed.(map[string]any)["root"].(*node)

	built, err := mod.Call(context.Background(), "build", map[string]any{
		"root": map[string]any{
			"tag": root.Tag,
			"children": []any{
				map[string]any{"tag": root.Children[0].Tag, "text": root.Children[0].Text},
			},
		},
	}, nil)
	require.NoError(t, err)
	doc := built.(map[string]any)["document"].(string)
	require.Contains(t, doc, "<root>")
	require.Contains(t, doc, "<child>hi</child>")
}

func TestParseRejectsMalformedXML(t *testing.T) {
	mod := New()
	_, err := mod.Call(context.Background(), "parse", map[string]any{
		"document": `<root><unclosed></root>`,
	}, nil)
	require.Error(t, err)
}
