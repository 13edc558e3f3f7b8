// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// Resolver returns the live endpoints of a service.
type Resolver interface {
	Resolve(ctx context.Context, service string) ([]Endpoint, error)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[string][]Endpoint

func (r StaticResolver) Resolve(_ context.Context, service string) ([]Endpoint, error) {
	return slices.Clone(r[service]), nil
}

// RegistryServersHeader carries the comma separated "host:port" list in a
// registry reply.
const RegistryServersHeader = "X-Rpc-Servers"

// RegistryResolver asks an HTTP registry for a service's servers:
// GET <URL>?service=<name>, answered with RegistryServersHeader.
type RegistryResolver struct {
	URL    string
	Client *http.Client
}

func (r *RegistryResolver) Resolve(ctx context.Context, service string) ([]Endpoint, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("registry url: %w", err)
	}
	q := u.Query()
	q.Set("service", service)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry refresh: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("registry refresh: status %d", resp.StatusCode)
	}

	var eps []Endpoint
	for _, s := range strings.Split(resp.Header.Get(RegistryServersHeader), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// DirectoryEvent reports an endpoint joining or leaving a service.
type DirectoryEvent struct {
	Service  string
	Endpoint Endpoint
	Added    bool
}

type serviceEntry struct {
	endpoints []Endpoint
	refreshed time.Time
}

// Directory is the routing table: services map to endpoint sets, and each
// endpoint has one ConnectionGroup shared by every service that lists it.
// A group is closed once no service references its endpoint.
type Directory struct {
	newGroup func(Endpoint) *ConnectionGroup
	resolver Resolver
	ttl      time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	groups   map[Endpoint]*ConnectionGroup
	services map[string]*serviceEntry
	watchers []func(DirectoryEvent)
	closed   bool
}

func newDirectory(newGroup func(Endpoint) *ConnectionGroup, resolver Resolver, ttl time.Duration, log *slog.Logger) *Directory {
	return &Directory{
		newGroup: newGroup,
		resolver: resolver,
		ttl:      ttl,
		log:      log,
		groups:   make(map[Endpoint]*ConnectionGroup),
		services: make(map[string]*serviceEntry),
	}
}

// Watch registers fn to be told about every membership change.
func (d *Directory) Watch(fn func(DirectoryEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers = append(d.watchers, fn)
}

// Update replaces the endpoint set of service.
func (d *Directory) Update(service string, endpoints []Endpoint) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var old []Endpoint
	if e, ok := d.services[service]; ok {
		old = e.endpoints
	}
	next := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if !slices.Contains(next, ep) {
			next = append(next, ep)
		}
	}
	d.services[service] = &serviceEntry{endpoints: next, refreshed: time.Now()}

	var events []DirectoryEvent
	for _, ep := range next {
		if !slices.Contains(old, ep) {
			events = append(events, DirectoryEvent{Service: service, Endpoint: ep, Added: true})
		}
		if _, ok := d.groups[ep]; !ok {
			d.groups[ep] = d.newGroup(ep)
		}
	}
	for _, ep := range old {
		if !slices.Contains(next, ep) {
			events = append(events, DirectoryEvent{Service: service, Endpoint: ep})
		}
	}
	orphans := d.collectOrphansLocked()
	watchers := slices.Clone(d.watchers)
	d.mu.Unlock()

	for _, g := range orphans {
		if err := g.Close(); err != nil {
			d.log.Warn("close connection group", "endpoint", g.Endpoint().String(), "error", err)
		}
	}
	for _, ev := range events {
		for _, fn := range watchers {
			fn(ev)
		}
	}
}

// Add puts ep into service's endpoint set.
func (d *Directory) Add(service string, ep Endpoint) {
	d.Update(service, append(d.Endpoints(service), ep))
}

// Remove takes ep out of service's endpoint set.
func (d *Directory) Remove(service string, ep Endpoint) {
	eps := d.Endpoints(service)
	d.Update(service, slices.DeleteFunc(eps, func(e Endpoint) bool { return e == ep }))
}

// Endpoints returns the endpoints currently listed for service.
func (d *Directory) Endpoints(service string) []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.services[service]; ok {
		return slices.Clone(e.endpoints)
	}
	return nil
}

// Group returns the group for ep, if any service lists it.
func (d *Directory) Group(ep Endpoint) *ConnectionGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.groups[ep]
}

// Groups returns every live group.
func (d *Directory) Groups() []*ConnectionGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*ConnectionGroup, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	return out
}

// Candidates returns the groups serving service, refreshing the endpoint
// set from the resolver first when it is stale.
func (d *Directory) Candidates(ctx context.Context, service string) ([]*ConnectionGroup, error) {
	if d.resolver != nil && d.stale(service) {
		eps, err := d.resolver.Resolve(ctx, service)
		if err != nil {
			d.log.Warn("resolve service", "service", service, "error", err)
			if len(d.Endpoints(service)) == 0 {
				return nil, err
			}
		} else {
			d.Update(service, eps)
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.services[service]
	if !ok {
		return nil, nil
	}
	out := make([]*ConnectionGroup, 0, len(e.endpoints))
	for _, ep := range e.endpoints {
		if g := d.groups[ep]; g != nil && !g.Closed() {
			out = append(out, g)
		}
	}
	return out, nil
}

func (d *Directory) stale(service string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.services[service]
	return !ok || time.Since(e.refreshed) >= d.ttl
}

func (d *Directory) collectOrphansLocked() []*ConnectionGroup {
	used := make(map[Endpoint]struct{}, len(d.groups))
	for _, e := range d.services {
		for _, ep := range e.endpoints {
			used[ep] = struct{}{}
		}
	}
	var orphans []*ConnectionGroup
	for ep, g := range d.groups {
		if _, ok := used[ep]; !ok {
			orphans = append(orphans, g)
			delete(d.groups, ep)
		}
	}
	return orphans
}

// close stops further updates and hands back every group for the caller
// to close.
func (d *Directory) close() []*ConnectionGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	out := make([]*ConnectionGroup, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	d.groups = make(map[Endpoint]*ConnectionGroup)
	d.services = make(map[string]*serviceEntry)
	return out
}
