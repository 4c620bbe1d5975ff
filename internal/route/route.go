// Package route models the shuttle's fixed one-directional loop and picks
// the next stop to serve.
package route

import (
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyRoute = errors.New("route has no stops")

// Path is an ordered cyclic sequence of stop ids. The zero value is an
// empty route that never yields a destination.
type Path struct {
	stops []string
	index map[string]int
}

func NewPath(stops []string) (Path, error) {
	if len(stops) == 0 {
		return Path{}, ErrEmptyRoute
	}
	p := Path{
		stops: make([]string, 0, len(stops)),
		index: make(map[string]int, len(stops)),
	}
	for _, raw := range stops {
		id := strings.TrimSpace(raw)
		if id == "" {
			return Path{}, errors.New("route contains an empty stop id")
		}
		if _, dup := p.index[id]; dup {
			return Path{}, fmt.Errorf("route lists stop %q more than once", id)
		}
		p.index[id] = len(p.stops)
		p.stops = append(p.stops, id)
	}
	return p, nil
}

// MustPath is NewPath for static routes; it panics on an invalid list.
func MustPath(stops ...string) Path {
	p, err := NewPath(stops)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) Len() int { return len(p.stops) }

func (p Path) Stops() []string {
	return append([]string(nil), p.stops...)
}

func (p Path) Contains(stopID string) bool {
	_, ok := p.index[stopID]
	return ok
}

// IndexOf returns -1 for stops that are not on the route.
func (p Path) IndexOf(stopID string) int {
	if i, ok := p.index[stopID]; ok {
		return i
	}
	return -1
}

// NextDestination applies the dispatch policy over p.
func (p Path) NextDestination(current string, hasWork func(stopID string) bool) (string, bool) {
	if hasWork == nil {
		return "", false
	}
	if current != "" && hasWork(current) {
		return current, true
	}
	n := len(p.stops)
	start := p.IndexOf(current)
	for i := 1; i <= n; i++ {
		candidate := p.stops[(start+i)%n]
		if hasWork(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// NextDestination returns the stop the shuttle should serve next.
//
// The shuttle stays at current while it has work there. Otherwise the
// route is scanned forward from current, wrapping once, and the first stop
// with work wins. An unknown or empty current starts the scan at the head
// of the route. ok is false when no stop on the loop has work.
func NextDestination(path []string, current string, hasWork func(stopID string) bool) (string, bool) {
	p, err := NewPath(path)
	if err != nil {
		if current != "" && hasWork != nil && hasWork(current) {
			return current, true
		}
		return "", false
	}
	return p.NextDestination(current, hasWork)
}
