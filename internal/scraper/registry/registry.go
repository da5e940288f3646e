// Package registry maps portal types to scraper adapters. A Registry is
// immutable once built; extending it yields a new value.
package registry

import (
	"sort"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	"github.com/jwalitptl/deadline-sync/internal/scraper/blackboard"
	"github.com/jwalitptl/deadline-sync/internal/scraper/canvas"
	"github.com/jwalitptl/deadline-sync/internal/scraper/github"
	"github.com/jwalitptl/deadline-sync/internal/scraper/jira"
	"github.com/jwalitptl/deadline-sync/internal/scraper/moodle"
	"github.com/jwalitptl/deadline-sync/internal/scraper/trello"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

// Factory builds an adapter from the shared outbound options.
type Factory func(opts scraper.Options) scraper.Adapter

// Entry pairs a portal type with the factory serving it.
type Entry struct {
	Type    model.PortalType
	Factory Factory
}

type Registry struct {
	opts     scraper.Options
	adapters map[model.PortalType]scraper.Adapter
}

// Builtins lists the adapters shipped with the service.
func Builtins() []Entry {
	return []Entry{
		{model.PortalTypeGitHub, func(o scraper.Options) scraper.Adapter { return github.New(o) }},
		{model.PortalTypeJira, func(o scraper.Options) scraper.Adapter { return jira.New(o) }},
		{model.PortalTypeTrello, func(o scraper.Options) scraper.Adapter { return trello.New(o) }},
		{model.PortalTypeCanvas, func(o scraper.Options) scraper.Adapter { return canvas.New(o) }},
		{model.PortalTypeBlackboard, func(o scraper.Options) scraper.Adapter { return blackboard.New(o) }},
		{model.PortalTypeMoodle, func(o scraper.Options) scraper.Adapter { return moodle.New(o) }},
	}
}

// New builds a registry from entries. A later entry for the same type
// replaces an earlier one.
func New(opts scraper.Options, entries ...Entry) *Registry {
	r := &Registry{opts: opts, adapters: make(map[model.PortalType]scraper.Adapter, len(entries))}
	for _, e := range entries {
		r.adapters[e.Type] = e.Factory(opts)
	}
	return r
}

// Default returns a registry holding every built-in adapter.
func Default(opts scraper.Options) *Registry {
	return New(opts, Builtins()...)
}

// Register returns a copy of r that also serves portalType. r itself is
// left untouched.
func (r *Registry) Register(portalType model.PortalType, f Factory) *Registry {
	next := &Registry{opts: r.opts, adapters: make(map[model.PortalType]scraper.Adapter, len(r.adapters)+1)}
	for t, a := range r.adapters {
		next.adapters[t] = a
	}
	next.adapters[portalType] = f(r.opts)
	return next
}

// Resolve returns the adapter for portalType, or a ConfigError when the
// type is unknown.
func (r *Registry) Resolve(portalType model.PortalType) (scraper.Adapter, error) {
	a, ok := r.adapters[portalType]
	if !ok {
		return nil, &apperrors.ConfigError{PortalType: portalType.String(), Field: "portal_type", Message: "unknown portal type"}
	}
	return a, nil
}

// Types lists the registered portal types in sorted order.
func (r *Registry) Types() []model.PortalType {
	out := make([]model.PortalType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
