// Package groups resolves user group memberships for permission checks and
// backs the group administration endpoints. Lookups go through a bounded LRU
// cache with write-through invalidation, since the sync hot path hits
// GetUser on every client-sourced operation.
package groups

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sinkron/sinkron/internal/protocol"
	"github.com/sinkron/sinkron/internal/store"
)

const cacheSize = 5000

// User is a user id together with the groups it belongs to.
type User struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups"`
}

// Group is a group id together with its member user ids.
type Group struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

type API struct {
	store store.Store
	cache *lru.Cache[string, User]
}

func New(st store.Store) *API {
	// lru.New only fails on a non-positive size
	cache, _ := lru.New[string, User](cacheSize)
	return &API{store: st, cache: cache}
}

// GetUser resolves a user's groups, preferring the cache.
func (a *API) GetUser(ctx context.Context, id string) (User, error) {
	if user, ok := a.cache.Get(id); ok {
		return user, nil
	}
	groups, err := a.store.UserGroups(ctx, id)
	if err != nil {
		return User{}, err
	}
	if groups == nil {
		groups = []string{}
	}
	user := User{ID: id, Groups: groups}
	a.cache.Add(id, user)
	return user, nil
}

func (a *API) GetGroup(ctx context.Context, id string) (Group, error) {
	exists, err := a.store.GroupExists(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if !exists {
		return Group{}, protocol.NotFound("group not found")
	}
	members, err := a.store.GroupMembers(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if members == nil {
		members = []string{}
	}
	return Group{ID: id, Members: members}, nil
}

func (a *API) CreateGroup(ctx context.Context, id string) error {
	return a.store.CreateGroup(ctx, id)
}

// DeleteGroup removes the group and invalidates every user that was a member.
func (a *API) DeleteGroup(ctx context.Context, id string) error {
	users, err := a.store.DeleteGroup(ctx, id)
	if err != nil {
		return err
	}
	for _, user := range users {
		a.cache.Remove(user)
	}
	return nil
}

func (a *API) AddUserToGroup(ctx context.Context, user, group string) error {
	if err := a.store.AddMember(ctx, user, group); err != nil {
		return err
	}
	a.cache.Remove(user)
	return nil
}

func (a *API) RemoveUserFromGroup(ctx context.Context, user, group string) error {
	if err := a.store.RemoveMember(ctx, user, group); err != nil {
		return err
	}
	a.cache.Remove(user)
	return nil
}

func (a *API) RemoveUserFromAllGroups(ctx context.Context, user string) error {
	if err := a.store.RemoveAllMembers(ctx, user); err != nil {
		return err
	}
	a.cache.Remove(user)
	return nil
}
