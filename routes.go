package aqmon

// routes.go computes propagation delays through the part of the network that
// lies beyond the bottleneck.
//
// The approach is to convert the scenario's named nodes and links into the
// data structures used by a graph package that has built-in path discovery
// algorithms.  Weighting each edge by its propagation delay, the shortest path
// from the bottleneck's far end to a flow's destination gives the delay every
// packet of the flow picks up after it leaves the bottleneck link.  Shortest
// path trees are cached by root.

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// Topology is a delay-weighted undirected graph of named nodes
type Topology struct {
	idByName  map[string]int64
	nameByID  map[int64]string
	connGraph *simple.WeightedUndirectedGraph
	cachedSP  map[int64]path.Shortest
}

// NewTopology is a constructor
func NewTopology() *Topology {
	tp := new(Topology)
	tp.idByName = make(map[string]int64)
	tp.nameByID = make(map[int64]string)
	tp.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	tp.cachedSP = make(map[int64]path.Shortest)
	return tp
}

// AddNode includes a node, returning its graph id.  Adding a name twice is harmless.
func (tp *Topology) AddNode(name string) int64 {
	id, present := tp.idByName[name]
	if present {
		return id
	}
	id = int64(len(tp.idByName))
	tp.idByName[name] = id
	tp.nameByID[id] = name
	tp.connGraph.AddNode(simple.Node(id))
	return id
}

// AddLink connects two nodes (adding them if need be) with the given one-way delay
func (tp *Topology) AddLink(a, b string, delay float64) error {
	if a == b {
		return fmt.Errorf("%w: link from %s to itself", ErrInvalidConfiguration, a)
	}
	if delay < 0 || math.IsNaN(delay) {
		return fmt.Errorf("%w: link %s-%s delay %g is negative", ErrInvalidConfiguration, a, b, delay)
	}
	idA := tp.AddNode(a)
	idB := tp.AddNode(b)

	// represent the edge in the form that the graph module represents it
	weightedEdge := simple.WeightedEdge{F: simple.Node(idA), T: simple.Node(idB), W: delay}
	tp.connGraph.SetWeightedEdge(weightedEdge)

	// adding an edge invalidates every cached tree
	tp.cachedSP = make(map[int64]path.Shortest)
	return nil
}

// HasNode reports whether the named node exists
func (tp *Topology) HasNode(name string) bool {
	_, present := tp.idByName[name]
	return present
}

// getSPTree returns the shortest path tree rooted in input argument 'from'.
// If the tree is found in the cache it is returned, if not it is computed, saved, and returned.
func (tp *Topology) getSPTree(from int64) path.Shortest {
	spTree, present := tp.cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(simple.Node(from), tp.connGraph)
	tp.cachedSP[from] = spTree
	return spTree
}

func (tp *Topology) endpoints(from, to string) (int64, int64, error) {
	fromID, present := tp.idByName[from]
	if !present {
		return 0, 0, fmt.Errorf("%w: unknown node %s", ErrInvalidConfiguration, from)
	}
	toID, present := tp.idByName[to]
	if !present {
		return 0, 0, fmt.Errorf("%w: unknown node %s", ErrInvalidConfiguration, to)
	}
	return fromID, toID, nil
}

// PathDelay returns the smallest total delay from one node to another
func (tp *Topology) PathDelay(from, to string) (float64, error) {
	fromID, toID, err := tp.endpoints(from, to)
	if err != nil {
		return 0.0, err
	}
	if fromID == toID {
		return 0.0, nil
	}
	delay := tp.getSPTree(fromID).WeightTo(toID)
	if math.IsInf(delay, 1) {
		return 0.0, fmt.Errorf("%w: no path from %s to %s", ErrInvalidConfiguration, from, to)
	}
	return delay, nil
}

// ShowPath returns a string that lists the names of the nodes on the
// shortest path from one node to another, comma separated
func (tp *Topology) ShowPath(from, to string) (string, error) {
	fromID, toID, err := tp.endpoints(from, to)
	if err != nil {
		return "", err
	}
	if fromID == toID {
		return from, nil
	}
	nodes, _ := tp.getSPTree(fromID).To(toID)
	if len(nodes) == 0 {
		return "", fmt.Errorf("%w: no path from %s to %s", ErrInvalidConfiguration, from, to)
	}
	pathString := make([]string, 0, len(nodes))
	for _, node := range nodes {
		pathString = append(pathString, tp.nameByID[node.ID()])
	}
	return strings.Join(pathString, ","), nil
}
