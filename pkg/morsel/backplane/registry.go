package backplane

import (
	"sort"
	"sync"
)

// registry is the only code allowed to mutate the group and subscription
// maps. Both sides of a membership change happen under one lock, so
// id ∈ groups[g] ⇔ g ∈ subscriptions[id] holds whenever the lock is free.
// Empty sets are removed as soon as they become empty, and only open
// connections may hold memberships. Lock order is connMu then memberMu.
type registry struct {
	connMu      sync.RWMutex
	connections map[string]struct{}

	memberMu      sync.RWMutex
	groups        map[string]map[string]struct{} // group -> connection ids
	subscriptions map[string]map[string]struct{} // connection id -> groups
}

func newRegistry() *registry {
	return &registry{
		connections:   make(map[string]struct{}),
		groups:        make(map[string]map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
	}
}

// addConnection reports whether id was newly added.
func (r *registry) addConnection(id string) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if _, exists := r.connections[id]; exists {
		return false
	}
	r.connections[id] = struct{}{}
	return true
}

// removeConnection drops id from the connection set and from every group,
// returning the groups it was removed from. connMu is held throughout so a
// concurrent subscribe cannot re-add id between the two steps.
func (r *registry) removeConnection(id string) []string {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	delete(r.connections, id)

	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	groups := keys(r.subscriptions[id])
	for _, group := range groups {
		r.unsubscribeLocked(group, id)
	}
	return groups
}

func (r *registry) hasConnection(id string) bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	_, ok := r.connections[id]
	return ok
}

// subscribe adds id to group. It reports false, changing nothing, when id is
// not a registered connection.
func (r *registry) subscribe(group, id string) bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	if _, ok := r.connections[id]; !ok {
		return false
	}

	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[id] = struct{}{}

	subs, ok := r.subscriptions[id]
	if !ok {
		subs = make(map[string]struct{})
		r.subscriptions[id] = subs
	}
	subs[group] = struct{}{}
	return true
}

// unsubscribe reports whether id was a member of group.
func (r *registry) unsubscribe(group, id string) bool {
	r.memberMu.Lock()
	defer r.memberMu.Unlock()
	return r.unsubscribeLocked(group, id)
}

func (r *registry) unsubscribeLocked(group, id string) bool {
	removed := false

	if members, ok := r.groups[group]; ok {
		if _, member := members[id]; member {
			delete(members, id)
			removed = true
		}
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}

	if subs, ok := r.subscriptions[id]; ok {
		delete(subs, group)
		if len(subs) == 0 {
			delete(r.subscriptions, id)
		}
	}

	return removed
}

func (r *registry) connectionIDs() []string {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return keys(r.connections)
}

func (r *registry) groupNames() []string {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()
	return keys(r.groups)
}

func (r *registry) members(group string) []string {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()
	return keys(r.groups[group])
}

func (r *registry) subscriptionsOf(id string) []string {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()
	return keys(r.subscriptions[id])
}

// checkSymmetry returns false if the group and subscription maps disagree.
func (r *registry) checkSymmetry() bool {
	r.memberMu.RLock()
	defer r.memberMu.RUnlock()

	for group, members := range r.groups {
		if len(members) == 0 {
			return false
		}
		for id := range members {
			if _, ok := r.subscriptions[id][group]; !ok {
				return false
			}
		}
	}

	for id, subs := range r.subscriptions {
		if len(subs) == 0 {
			return false
		}
		for group := range subs {
			if _, ok := r.groups[group][id]; !ok {
				return false
			}
		}
	}

	return true
}

func keys[V any](set map[string]V) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
