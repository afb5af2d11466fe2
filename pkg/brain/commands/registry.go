package commands

import (
	"fmt"
	"strings"

	"github.com/roboricindustries/razzler/pkg/config"
)

// ProcessingOrder is the fixed order enabled handlers run in. Several
// handlers can match the same message; every match runs.
var ProcessingOrder = config.DefaultCommands

func builtins() map[string]Handler {
	all := []Handler{
		Ping{},
		React{},
		Summon{},
		CreateImage{},
		SeeImage{},
		SeeQuotedImage{},
		Reply{},
		ReplyRazzleTarget{},
		ReplyWhenActiveChat{},
		ReactToChat{},
	}
	out := make(map[string]Handler, len(all))
	for _, h := range all {
		out[h.Name()] = h
	}
	return out
}

type Registry struct {
	handlers []Handler
}

// NewRegistry enables the named handlers. Names run in ProcessingOrder no
// matter how they are listed; an unknown name is an error.
func NewRegistry(enabled []string) (*Registry, error) {
	known := builtins()
	want := make(map[string]bool, len(enabled))
	var unknown []string
	for _, n := range enabled {
		if _, ok := known[n]; !ok {
			unknown = append(unknown, n)
			continue
		}
		want[n] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown handlers: %s", strings.Join(unknown, ", "))
	}

	r := &Registry{}
	for _, n := range ProcessingOrder {
		if want[n] {
			r.Register(known[n])
		}
	}
	return r, nil
}

// Register appends h; handlers run in registration order.
func (r *Registry) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

func (r *Registry) Handlers() []Handler { return r.handlers }

func (r *Registry) Names() []string {
	out := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = h.Name()
	}
	return out
}
