// Package resolver walks the dependency graph declared by installed
// manifests. The graph may contain cycles; every traversal keeps an explicit
// worklist and a visited set keyed by canonical name.
package resolver

import (
	"errors"
	"fmt"

	"github.com/snakepit-dev/snakepit/internal/manifest"
)

// Lookuper finds installed manifests by name.
type Lookuper interface {
	Lookup(name string) (*manifest.Manifest, error)
}

// NotFoundError names a package in a removal closure that has no manifest.
type NotFoundError struct {
	Name       string
	RequiredBy string
}

func (e *NotFoundError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("could not find %s (required by %s)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("could not find %s", e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return manifest.ErrNotFound
}

// Resolver answers dependency questions about an environment.
type Resolver struct {
	lookup Lookuper
}

// New returns a resolver backed by lookup.
func New(lookup Lookuper) *Resolver {
	return &Resolver{lookup: lookup}
}

// Direct returns name's declared dependencies in manifest order.
func (r *Resolver) Direct(name string) ([]manifest.Requirement, error) {
	m, err := r.lookup.Lookup(name)
	if err != nil {
		return nil, err
	}
	return m.Requires, nil
}

// Deep returns every dependency reachable from name, each package once, in
// depth-first declaration order. Declared dependencies that are not
// installed are reported but not expanded. The root itself is not included
// even when a cycle leads back to it.
func (r *Resolver) Deep(name string) ([]manifest.Requirement, error) {
	root, err := r.lookup.Lookup(name)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{root.CanonicalName: true}
	var result []manifest.Requirement

	stack := reversed(root.Requires)
	for len(stack) > 0 {
		req := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := req.CanonicalName()
		if visited[key] {
			continue
		}
		visited[key] = true
		result = append(result, req)

		m, err := r.lookup.Lookup(req.Name)
		if err != nil {
			if errors.Is(err, manifest.ErrNotFound) {
				continue
			}
			return nil, err
		}
		stack = append(stack, reversed(m.Requires)...)
	}

	return result, nil
}

// RemovalOrder returns the manifests to remove for names: every transitive
// dependency strictly before any package that depends on it, each package
// once. Any package in the closure without a manifest fails the whole plan,
// except a requirement carrying an environment marker, which is skipped.
func (r *Resolver) RemovalOrder(names []string) ([]*manifest.Manifest, error) {
	type frame struct {
		m        *manifest.Manifest
		next     int // index of the next dependency to visit
		children []manifest.Requirement
	}

	seen := make(map[string]bool)
	var order []*manifest.Manifest

	for _, name := range names {
		root, err := r.lookup.Lookup(name)
		if err != nil {
			if errors.Is(err, manifest.ErrNotFound) {
				return nil, &NotFoundError{Name: name}
			}
			return nil, err
		}
		if seen[root.CanonicalName] {
			continue
		}
		seen[root.CanonicalName] = true

		stack := []*frame{{m: root, children: root.Requires}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next == len(top.children) {
				order = append(order, top.m)
				stack = stack[:len(stack)-1]
				continue
			}

			req := top.children[top.next]
			top.next++
			if seen[req.CanonicalName()] {
				continue
			}

			dep, err := r.lookup.Lookup(req.Name)
			if err != nil {
				if errors.Is(err, manifest.ErrNotFound) {
					// Marker-gated dependencies are optional for the environment.
					if req.Marker != "" {
						continue
					}
					return nil, &NotFoundError{Name: req.Name, RequiredBy: top.m.Name}
				}
				return nil, err
			}
			seen[req.CanonicalName()] = true
			seen[dep.CanonicalName] = true
			stack = append(stack, &frame{m: dep, children: dep.Requires})
		}
	}

	return order, nil
}

func reversed(reqs []manifest.Requirement) []manifest.Requirement {
	out := make([]manifest.Requirement, len(reqs))
	for i, r := range reqs {
		out[len(reqs)-1-i] = r
	}
	return out
}
