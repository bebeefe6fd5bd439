// Package viz renders the change history of a room document.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Label describes one change. When nodePath is set the value at that path, as of the change, is
// appended.
func Label(doc *automerge.Doc, change *automerge.Change, nodePath []interface{}) (string, error) {
	label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
	if len(nodePath) == 0 {
		return label, nil
	}
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	var raw interface{}
	if value, err := docAt.Path(nodePath...).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
	}
	return label + " " + string(encoded), nil
}

// RenderHistorySVG writes the change graph of doc as SVG.
func RenderHistorySVG(doc *automerge.Doc, nodePath []interface{}, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	edgeCounter := 0
	for _, change := range changes {
		label, err := Label(doc, change, nodePath)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// WriteDot writes the change graph of doc in graphviz dot syntax without invoking graphviz.
func WriteDot(doc *automerge.Doc, nodePath []interface{}, w io.Writer) error {
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	if _, err := fmt.Fprintln(w, `digraph "log" {`); err != nil {
		return err
	}
	for _, change := range changes {
		label, err := Label(doc, change, nodePath)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", change.Hash().String(), label); err != nil {
			return err
		}
		for _, hash := range change.Dependencies() {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", hash.String(), change.Hash().String()); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprintln(w, "}")
	return err
}
