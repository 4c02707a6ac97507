// Package access derives the set of tickets a caller may see and act on.
package access

import (
	"strings"

	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/repository"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

// Scope is a caller's visibility over tickets.
type Scope struct {
	unrestricted      bool
	requesterID       string
	ownerID           string
	includeUnassigned bool
}

// Resolver maps callers to scopes.
type Resolver struct {
	agentSeesUnassigned bool
}

// NewResolver builds a resolver from access configuration.
func NewResolver(cfg config.AccessConfig) *Resolver {
	return &Resolver{agentSeesUnassigned: cfg.AgentSeesUnassigned}
}

// Resolve returns the scope for caller. Unknown roles and anonymous callers are rejected.
func (r *Resolver) Resolve(caller domain.Caller) (Scope, error) {
	if strings.TrimSpace(caller.ID) == "" {
		return Scope{}, apperrors.NewForbidden("caller identity required")
	}
	switch caller.Role {
	case domain.RoleAdmin:
		return Scope{unrestricted: true}, nil
	case domain.RoleAgent:
		return Scope{ownerID: caller.ID, includeUnassigned: r.agentSeesUnassigned}, nil
	case domain.RoleRequester:
		return Scope{requesterID: caller.ID}, nil
	default:
		return Scope{}, apperrors.NewForbidden("unknown role")
	}
}

// Apply narrows filter to the scope. Scope predicates always win over caller supplied ones.
func (s Scope) Apply(filter repository.TicketFilter) repository.TicketFilter {
	if s.unrestricted {
		return filter
	}
	if s.requesterID != "" {
		id := s.requesterID
		filter.RequesterID = &id
	}
	if s.ownerID != "" {
		id := s.ownerID
		filter.OwnerID = &id
		filter.IncludeUnassigned = s.includeUnassigned
	}
	return filter
}

// Permits reports whether ticket lies inside the scope. It is the in-memory twin of
// Apply and must agree with it.
func (s Scope) Permits(ticket *domain.Ticket) bool {
	if ticket == nil {
		return false
	}
	switch {
	case s.unrestricted:
		return true
	case s.requesterID != "":
		return ticket.RequesterID == s.requesterID
	case s.ownerID != "":
		return ticket.OwnedBy(s.ownerID) || (s.includeUnassigned && ticket.OwnerID == nil)
	}
	return false
}
