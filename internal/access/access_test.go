package access

import (
	"errors"
	"testing"

	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/repository"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

func ownerPtr(s string) *string { return &s }

func TestResolveRejectsUnknownCallers(t *testing.T) {
	r := NewResolver(config.AccessConfig{})
	tests := []domain.Caller{
		{Role: "superuser", ID: "u1"},
		{Role: domain.RoleAgent, ID: ""},
		{Role: domain.RoleRequester, ID: "   "},
	}
	for _, caller := range tests {
		if _, err := r.Resolve(caller); !errors.Is(err, apperrors.ErrForbidden) {
			t.Fatalf("caller %+v: expected forbidden, got %v", caller, err)
		}
	}
}

func TestScopePermits(t *testing.T) {
	mine := &domain.Ticket{ID: "t1", RequesterID: "req-1", OwnerID: ownerPtr("agent-a")}
	theirs := &domain.Ticket{ID: "t2", RequesterID: "req-2", OwnerID: ownerPtr("agent-b")}
	free := &domain.Ticket{ID: "t3", RequesterID: "req-2"}

	tests := []struct {
		name       string
		cfg        config.AccessConfig
		caller     domain.Caller
		ticket     *domain.Ticket
		wantAccess bool
	}{
		{"admin sees all", config.AccessConfig{}, domain.Caller{Role: domain.RoleAdmin, ID: "root"}, theirs, true},
		{"agent owns", config.AccessConfig{}, domain.Caller{Role: domain.RoleAgent, ID: "agent-a"}, mine, true},
		{"agent other owner", config.AccessConfig{}, domain.Caller{Role: domain.RoleAgent, ID: "agent-a"}, theirs, false},
		{"agent unassigned strict", config.AccessConfig{}, domain.Caller{Role: domain.RoleAgent, ID: "agent-a"}, free, false},
		{"agent unassigned widened", config.AccessConfig{AgentSeesUnassigned: true}, domain.Caller{Role: domain.RoleAgent, ID: "agent-a"}, free, true},
		{"requester own", config.AccessConfig{}, domain.Caller{Role: domain.RoleRequester, ID: "req-1"}, mine, true},
		{"requester foreign", config.AccessConfig{}, domain.Caller{Role: domain.RoleRequester, ID: "req-1"}, theirs, false},
		{"nil ticket", config.AccessConfig{}, domain.Caller{Role: domain.RoleAdmin, ID: "root"}, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scope, err := NewResolver(tc.cfg).Resolve(tc.caller)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got := scope.Permits(tc.ticket); got != tc.wantAccess {
				t.Fatalf("Permits = %v, want %v", got, tc.wantAccess)
			}
		})
	}
}

func TestApplyOverridesCallerFilter(t *testing.T) {
	scope, err := NewResolver(config.AccessConfig{}).Resolve(domain.Caller{Role: domain.RoleRequester, ID: "req-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	filter := scope.Apply(repository.TicketFilter{RequesterID: ownerPtr("req-2"), Limit: 5})
	if filter.RequesterID == nil || *filter.RequesterID != "req-1" {
		t.Fatalf("expected requester predicate to be req-1, got %v", filter.RequesterID)
	}
	if filter.Limit != 5 {
		t.Fatalf("expected caller limit preserved")
	}

	agent, _ := NewResolver(config.AccessConfig{AgentSeesUnassigned: true}).Resolve(domain.Caller{Role: domain.RoleAgent, ID: "agent-a"})
	filter = agent.Apply(repository.TicketFilter{})
	if filter.OwnerID == nil || *filter.OwnerID != "agent-a" || !filter.IncludeUnassigned {
		t.Fatalf("unexpected agent filter: %+v", filter)
	}

	admin, _ := NewResolver(config.AccessConfig{}).Resolve(domain.Caller{Role: domain.RoleAdmin, ID: "root"})
	filter = admin.Apply(repository.TicketFilter{})
	if filter.OwnerID != nil || filter.RequesterID != nil || !admin.Permits(&domain.Ticket{RequesterID: "anyone"}) {
		t.Fatalf("admin filter should be unrestricted: %+v", filter)
	}
}
