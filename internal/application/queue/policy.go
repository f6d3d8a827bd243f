package queue

import (
	"context"
	"fmt"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
)

// Decision is the outcome of a RequestPolicy.
type Decision int

const (
	// Accept lets the request run its service immediately.
	Accept Decision = iota
	// Defer parks the request in PENDING until agents approve it.
	Defer
	// Reject terminates the request without running the service.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Defer:
		return "defer"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// RequestPolicy decides whether a request may be serviced now.
// RequestPolicy 决定请求是否可以立即被服务。
type RequestPolicy interface {
	// Apply returns the decision and, for Reject, a human-readable reason.
	Apply(ctx context.Context, req *models.Request) (Decision, string)
}

// PolicyFunc adapts a function to RequestPolicy.
type PolicyFunc func(ctx context.Context, req *models.Request) (Decision, string)

func (f PolicyFunc) Apply(ctx context.Context, req *models.Request) (Decision, string) {
	return f(ctx, req)
}

// AcceptAll services every request without approval.
var AcceptAll RequestPolicy = PolicyFunc(func(context.Context, *models.Request) (Decision, string) {
	return Accept, ""
})

// AgentApprovalPolicy defers a request until ATTR_APPROVE_AGENTS holds the
// number of distinct agents configured for its type. Types without an entry
// are accepted immediately.
// AgentApprovalPolicy 在 ATTR_APPROVE_AGENTS 达到该类型配置的审批人数量之前推迟请求。
type AgentApprovalPolicy struct {
	required map[constants.RequestType]int
}

// NewAgentApprovalPolicy creates a policy from per-type agent counts.
func NewAgentApprovalPolicy(required map[constants.RequestType]int) *AgentApprovalPolicy {
	r := make(map[constants.RequestType]int, len(required))
	for k, v := range required {
		r[k] = v
	}
	return &AgentApprovalPolicy{required: r}
}

// Required returns the agent quorum for t.
func (p *AgentApprovalPolicy) Required(t constants.RequestType) int {
	return p.required[t]
}

func (p *AgentApprovalPolicy) Apply(_ context.Context, req *models.Request) (Decision, string) {
	need := p.required[req.Type]
	if need <= 0 {
		return Accept, ""
	}
	if len(req.ApproveAgents()) >= need {
		return Accept, ""
	}
	return Defer, ""
}

// Chain evaluates policies in order; the first decision other than Accept wins.
func Chain(policies ...RequestPolicy) RequestPolicy {
	return PolicyFunc(func(ctx context.Context, req *models.Request) (Decision, string) {
		for _, p := range policies {
			if d, reason := p.Apply(ctx, req); d != Accept {
				return d, reason
			}
		}
		return Accept, ""
	})
}
