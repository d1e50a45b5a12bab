package escaper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubLeaf struct{ name string }

func (s *stubLeaf) Name() string                                              { return s.name }
func (s *stubLeaf) Capabilities() []Capability                                { return nil }
func (s *stubLeaf) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) { return nil, nil }

type stubComposite struct {
	name     string
	children []string
}

func (s *stubComposite) Name() string                       { return s.name }
func (s *stubComposite) Capabilities() []Capability         { return nil }
func (s *stubComposite) Children() []string                 { return s.children }
func (s *stubComposite) Dial(ctx context.Context, req *Request) (*Connection, *EscapeError) {
	return nil, nil
}

func TestNewGraphAcceptsAcyclicDAG(t *testing.T) {
	nodes := map[string]Node{
		"root": &stubComposite{name: "root", children: []string{"left", "right"}},
		"left": &stubComposite{name: "left", children: []string{"leaf"}},
		"right": &stubLeaf{name: "right"},
		"leaf":  &stubLeaf{name: "leaf"},
	}
	g, err := NewGraph(nodes)
	require.NoError(t, err)
	n, ok := g.Node("root")
	require.True(t, ok)
	require.Equal(t, "root", n.Name())
}

func TestNewGraphRejectsCycle(t *testing.T) {
	nodes := map[string]Node{
		"a": &stubComposite{name: "a", children: []string{"b"}},
		"b": &stubComposite{name: "b", children: []string{"a"}},
	}
	_, err := NewGraph(nodes)
	require.Error(t, err)
}

func TestNewGraphRejectsUndefinedChild(t *testing.T) {
	nodes := map[string]Node{
		"a": &stubComposite{name: "a", children: []string{"missing"}},
	}
	_, err := NewGraph(nodes)
	require.Error(t, err)
}

func TestHasCapability(t *testing.T) {
	leaf := &stubLeaf{name: "leaf"}
	require.False(t, HasCapability(leaf, CapabilityHTTPForward))
}
