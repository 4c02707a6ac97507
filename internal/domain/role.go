package domain

import (
	"fmt"
	"strings"
)

// Role is the closed set of caller roles understood by the engine.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAgent     Role = "agent"
	RoleRequester Role = "requester"
)

// SystemAgentID attributes automated closes performed by the dormancy sweeper.
const SystemAgentID = "system:dormancy-sweeper"

// ParseRole converts a raw role string into a Role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleAgent:
		return RoleAgent, nil
	case RoleRequester:
		return RoleRequester, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// Caller is the authenticated party acting on the engine.
type Caller struct {
	Role Role
	ID   string
}

// ActsAsAgent reports whether the caller speaks for the support side.
func (c Caller) ActsAsAgent() bool {
	return c.Role == RoleAdmin || c.Role == RoleAgent
}

// SenderKind maps the caller's role onto the conversation side it posts as.
func (c Caller) SenderKind() SenderKind {
	if c.ActsAsAgent() {
		return SenderKindAgent
	}
	return SenderKindRequester
}

// ActorKind maps the caller onto the audit actor kind.
func (c Caller) ActorKind() ActorKind {
	if c.ID == SystemAgentID {
		return ActorKindSystem
	}
	if c.ActsAsAgent() {
		return ActorKindAgent
	}
	return ActorKindRequester
}

// SystemCaller is the identity the sweeper closes tickets as.
func SystemCaller() Caller {
	return Caller{Role: RoleAdmin, ID: SystemAgentID}
}
