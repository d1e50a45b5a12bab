package escaper

import (
	"github.com/gravitational/trace"
)

// composite is implemented by composing nodes so Graph can walk their
// children for cycle validation without a separate registry.
type composite interface {
	Node
	Children() []string
}

// Graph owns every configured node by name and validates the DAG at load
// time (spec.md §4.2 invariant: "the escaper graph is acyclic and
// validated at load").
type Graph struct {
	nodes map[string]Node
}

// NewGraph builds a Graph from named nodes and validates it.
func NewGraph(nodes map[string]Node) (*Graph, error) {
	g := &Graph{nodes: nodes}
	if err := g.validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return g, nil
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

const (
	white = iota
	gray
	black
)

func (g *Graph) validate() error {
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			cycle := append(append([]string{}, stack...), name)
			return trace.BadParameter("escaper graph cycle detected: %v", cycle)
		}

		n, ok := g.nodes[name]
		if !ok {
			return trace.BadParameter("escaper %q references undefined node", name)
		}

		color[name] = gray
		stack = append(stack, name)

		if c, ok := n.(composite); ok {
			for _, child := range c.Children() {
				if err := visit(child); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for name := range g.nodes {
		if err := visit(name); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}
