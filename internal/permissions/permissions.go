// Package permissions implements the role-based access lists stored on
// collections and documents.
package permissions

import "encoding/json"

// Action names one of the four gated operations.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type RoleKind string

const (
	RoleAny   RoleKind = "any"
	RoleUser  RoleKind = "user"
	RoleGroup RoleKind = "group"
)

// Role grants an action to everyone, a single user, or a group.
type Role struct {
	Kind RoleKind `json:"kind"`
	ID   string   `json:"id,omitempty"`
}

func Any() Role            { return Role{Kind: RoleAny} }
func User(id string) Role  { return Role{Kind: RoleUser, ID: id} }
func Group(id string) Role { return Role{Kind: RoleGroup, ID: id} }

// Permissions holds one role list per action.
type Permissions struct {
	Read   []Role `json:"read"`
	Create []Role `json:"create"`
	Update []Role `json:"update"`
	Delete []Role `json:"delete"`
}

// Empty returns the deny-all permission set.
func Empty() Permissions {
	return Permissions{
		Read:   []Role{},
		Create: []Role{},
		Update: []Role{},
		Delete: []Role{},
	}
}

// ParseOrEmpty decodes a stored permission string. Malformed input degrades
// to the empty set, which denies every action.
func ParseOrEmpty(input string) Permissions {
	var p Permissions
	if err := json.Unmarshal([]byte(input), &p); err != nil {
		return Empty()
	}
	if p.Read == nil {
		p.Read = []Role{}
	}
	if p.Create == nil {
		p.Create = []Role{}
	}
	if p.Update == nil {
		p.Update = []Role{}
	}
	if p.Delete == nil {
		p.Delete = []Role{}
	}
	return p
}

// Check reports whether a user with the given group memberships may perform
// the action. An action is permitted iff any role in its list matches.
func (p Permissions) Check(action Action, userID string, userGroups []string) bool {
	var list []Role
	switch action {
	case ActionRead:
		list = p.Read
	case ActionCreate:
		list = p.Create
	case ActionUpdate:
		list = p.Update
	case ActionDelete:
		list = p.Delete
	}
	for _, role := range list {
		switch role.Kind {
		case RoleAny:
			return true
		case RoleUser:
			if role.ID == userID {
				return true
			}
		case RoleGroup:
			for _, g := range userGroups {
				if role.ID == g {
					return true
				}
			}
		}
	}
	return false
}

// String serializes the permission set back to its stored form.
func (p Permissions) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}
