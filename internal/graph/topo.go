package graph

import "sort"

// topoOrder maintains a topological order of the requires subgraph
// (Pearce-Kelly). For every edge u requires v, ord[u] < ord[v]. Inserting an
// edge only searches the nodes whose order lies between the two endpoints.
type topoOrder struct {
	ord  map[string]int
	next int
}

func newTopoOrder() *topoOrder {
	return &topoOrder{ord: make(map[string]int)}
}

func (t *topoOrder) clone() *topoOrder {
	ord := make(map[string]int, len(t.ord))
	for k, v := range t.ord {
		ord[k] = v
	}
	return &topoOrder{ord: ord, next: t.next}
}

func (t *topoOrder) add(id string) {
	if _, ok := t.ord[id]; ok {
		return
	}
	t.ord[id] = t.next
	t.next++
}

// insert records u -> v. It returns false, leaving the order untouched, when
// the edge would close a cycle. succ yields the nodes a node requires and
// pred the nodes requiring it.
func (t *topoOrder) insert(u, v string, succ, pred func(string) []string) bool {
	if u == v {
		return false
	}
	lb, ub := t.ord[v], t.ord[u]
	if ub < lb {
		return true
	}

	forward := make([]string, 0)
	seen := map[string]bool{}
	stack := []string{v}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		if n == u {
			return false
		}
		seen[n] = true
		forward = append(forward, n)
		for _, w := range succ(n) {
			if !seen[w] && t.ord[w] <= ub {
				stack = append(stack, w)
			}
		}
	}

	backward := make([]string, 0)
	seenBack := map[string]bool{}
	stack = append(stack[:0], u)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seenBack[n] {
			continue
		}
		seenBack[n] = true
		backward = append(backward, n)
		for _, w := range pred(n) {
			if !seenBack[w] && t.ord[w] > lb {
				stack = append(stack, w)
			}
		}
	}

	t.reorder(backward, forward)
	return true
}

func (t *topoOrder) reorder(backward, forward []string) {
	byOrd := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return t.ord[ids[i]] < t.ord[ids[j]] })
	}
	byOrd(backward)
	byOrd(forward)

	nodes := append(append(make([]string, 0, len(backward)+len(forward)), backward...), forward...)
	pool := make([]int, 0, len(nodes))
	for _, id := range nodes {
		pool = append(pool, t.ord[id])
	}
	sort.Ints(pool)
	for i, id := range nodes {
		t.ord[id] = pool[i]
	}
}
