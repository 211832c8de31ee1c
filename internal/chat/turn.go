// Package chat holds the conversation data model shared by the client and
// the control loop.
package chat

import (
	"encoding/json"
	"fmt"
)

// Role identifies who authored a turn.
type Role int

const (
	// RoleUser marks a turn typed by the user.
	RoleUser Role = iota
	// RoleAssistant marks a turn produced by the model.
	RoleAssistant
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps a wire role name onto a Role.
func ParseRole(name string) (Role, error) {
	switch name {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	default:
		return 0, fmt.Errorf("unknown role %q", name)
	}
}

// MarshalJSON encodes the role as its wire name.
func (r Role) MarshalJSON() ([]byte, error) {
	switch r {
	case RoleUser, RoleAssistant:
		return json.Marshal(r.String())
	default:
		return nil, fmt.Errorf("marshal role: unknown role %d", int(r))
	}
}

// UnmarshalJSON decodes a wire role name.
func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("unmarshal role: %w", err)
	}
	parsed, err := ParseRole(name)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Turn is one role-tagged message in the conversation. A Turn is a value and
// is never mutated after construction.
type Turn struct {
	// role is the author of the turn.
	role Role
	// content is nil while an assistant turn is still streaming.
	content *string
}

// User builds a complete user turn.
func User(content string) Turn {
	return Turn{role: RoleUser, content: &content}
}

// Assistant builds a complete assistant turn.
func Assistant(content string) Turn {
	return Turn{role: RoleAssistant, content: &content}
}

// Pending builds an assistant turn whose content has not arrived yet.
// It must not be rendered or sent.
func Pending() Turn {
	return Turn{role: RoleAssistant}
}

// Role returns the author of the turn.
func (t Turn) Role() Role {
	return t.role
}

// Text returns the content and whether it is present.
func (t Turn) Text() (string, bool) {
	if t.content == nil {
		return "", false
	}
	return *t.content, true
}

// Complete reports whether the turn carries content.
func (t Turn) Complete() bool {
	return t.content != nil
}
