package manifest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WebFirstLanguage/weeb3/pkg/swarm"
)

type mapGetter map[swarm.Address][]byte

func (g mapGetter) GetData(_ context.Context, addr swarm.Address) ([]byte, error) {
	data, ok := g[addr]
	if !ok {
		return nil, errors.New("chunk not found")
	}
	return data, nil
}

func (g mapGetter) putFile(t *testing.T, content string) swarm.Address {
	t.Helper()
	ch, err := swarm.NewCAC([]byte(content))
	require.NoError(t, err)
	g[ch.Address] = ch.Data
	return ch.Address
}

func (g mapGetter) putNode(t *testing.T, n *Node) swarm.Address {
	t.Helper()
	b, err := n.MarshalBinary()
	require.NoError(t, err)
	ch, err := swarm.NewCAC(b)
	require.NoError(t, err)
	g[ch.Address] = ch.Data
	return ch.Address
}

func valueNode(t *testing.T, g mapGetter, content string) swarm.Address {
	return g.putNode(t, &Node{Entry: g.putFile(t, content)})
}

// site builds index.html, img/logo.png and img/icon.svg and returns the
// joined root data.
func site(t *testing.T, key []byte) (mapGetter, []byte) {
	t.Helper()
	g := mapGetter{}

	img := g.putNode(t, &Node{ObfuscationKey: key, Forks: map[byte]*Fork{
		'l': {Type: TypeValue, Prefix: []byte("logo.png"), Reference: valueNode(t, g, "PNG")},
		'i': {Type: TypeValue, Prefix: []byte("icon.svg"), Reference: valueNode(t, g, "<svg/>")},
	}})
	i := g.putNode(t, &Node{ObfuscationKey: key, Forks: map[byte]*Fork{
		'n': {
			Type:      TypeValue,
			Prefix:    []byte("ndex.html"),
			Reference: valueNode(t, g, "<html>hello</html>"),
			Metadata:  map[string]string{ContentTypeKey: "text/html"},
		},
		'm': {Type: TypeEdge, Prefix: []byte("mg/"), Reference: img},
	}})
	root := &Node{ObfuscationKey: key, Forks: map[byte]*Fork{
		'i': {Type: TypeEdge, Prefix: []byte("i"), Reference: i},
		'/': {
			Type:      TypeValue,
			Prefix:    []byte("/"),
			Reference: g.putNode(t, &Node{}),
			Metadata:  map[string]string{IndexDocumentKey: "index.html"},
		},
	}}
	b, err := root.MarshalBinary()
	require.NoError(t, err)
	ch, err := swarm.NewCAC(b)
	require.NoError(t, err)
	return g, ch.Data
}

func TestNodeRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, obfuscationKeySize)
	n := &Node{
		ObfuscationKey: key,
		Entry:          swarm.Address{1, 2, 3},
		Forks: map[byte]*Fork{
			'a': {Type: TypeValue, Prefix: []byte("about"), Reference: swarm.Address{9}},
			'/': {Type: TypeValue, Prefix: []byte("/"), Reference: swarm.Address{8},
				Metadata: map[string]string{IndexDocumentKey: "index.html"}},
		},
	}
	b, err := n.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, key, b[:obfuscationKeySize])

	got, err := Parse(b)
	require.NoError(t, err)
	require.Equal(t, n.Entry, got.Entry)
	require.Equal(t, []byte{'/', 'a'}, got.Keys())
	require.Equal(t, []byte("about"), got.Forks['a'].Prefix)
	require.Equal(t, swarm.Address{9}, got.Forks['a'].Reference)
	require.Nil(t, got.Forks['a'].Metadata)
	require.Equal(t, uint8(TypeValue|TypeWithMetadata), got.Forks['/'].Type)
	require.Equal(t, "index.html", got.Forks['/'].Metadata[IndexDocumentKey])
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	require.ErrorIs(t, err, ErrShortNode)

	// All zero key and body: version does not match
	_, err = Parse(make([]byte, 200))
	require.ErrorIs(t, err, ErrVersion)

	b, err := (&Node{Forks: map[byte]*Fork{
		'x': {Type: TypeValue, Prefix: []byte("x"), Reference: swarm.Address{1}},
	}}).MarshalBinary()
	require.NoError(t, err)
	_, err = Parse(b[:len(b)-4])
	require.ErrorIs(t, err, ErrShortNode)

	_, err = (&Node{Forks: map[byte]*Fork{
		'x': {Prefix: []byte("y")},
	}}).MarshalBinary()
	require.ErrorIs(t, err, ErrMalformedFork)
}

func TestInterpretIndexDocument(t *testing.T) {
	for _, key := range [][]byte{nil, bytes.Repeat([]byte{0xa7}, obfuscationKeySize)} {
		g, root := site(t, key)

		entries, index, err := ForkInterpreter{}.Interpret(context.Background(), "", root, g)
		require.NoError(t, err)
		require.Equal(t, "index.html", index)
		require.Len(t, entries, 1)
		require.Equal(t, "index.html", entries[0].Path)
		require.Equal(t, "text/html", entries[0].MIME)
		require.Equal(t, "<html>hello</html>", string(entries[0].Data))
	}
}

func TestInterpretPath(t *testing.T) {
	g, root := site(t, nil)

	entries, _, err := ForkInterpreter{}.Interpret(context.Background(), "/img/logo.png", root, g)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "img/logo.png", entries[0].Path)
	require.Equal(t, "image/png", entries[0].MIME)
	require.Equal(t, "PNG", string(entries[0].Data))
}

func TestInterpretDirectoryListing(t *testing.T) {
	g, root := site(t, nil)

	entries, _, err := ForkInterpreter{}.Interpret(context.Background(), "img/", root, g)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "img/icon.svg", entries[0].Path)
	require.Equal(t, "img/logo.png", entries[1].Path)

	_, _, err = ForkInterpreter{MaxEntries: 1}.Interpret(context.Background(), "img", root, g)
	require.ErrorIs(t, err, ErrTooManyEntries)
}

func TestInterpretMissing(t *testing.T) {
	g, root := site(t, nil)

	_, _, err := ForkInterpreter{}.Interpret(context.Background(), "nope.txt", root, g)
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = ForkInterpreter{}.Interpret(context.Background(), "img/logo.jpg", root, g)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInterpretMissingChunk(t *testing.T) {
	g, root := site(t, nil)
	for addr, data := range g {
		if string(data[8:]) == "PNG" {
			delete(g, addr)
		}
	}

	_, _, err := ForkInterpreter{}.Interpret(context.Background(), "img/logo.png", root, g)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}
