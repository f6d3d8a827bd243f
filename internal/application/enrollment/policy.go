package enrollment

import (
	"context"
	"fmt"

	"github.com/eldorplus/pki/internal/application/profile"
	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
)

// ProfilePolicy gates CA requests on the profile they were submitted under.
// Requests without a profile are accepted.
type ProfilePolicy struct {
	profiles *profile.Registry
}

// NewProfilePolicy creates the policy.
func NewProfilePolicy(profiles *profile.Registry) *ProfilePolicy {
	return &ProfilePolicy{profiles: profiles}
}

func (p *ProfilePolicy) Apply(_ context.Context, req *models.Request) (queue.Decision, string) {
	if req.Type != constants.RequestTypeEnrollment && req.Type != constants.RequestTypeRenewal {
		return queue.Accept, ""
	}
	id, ok := req.Ext.GetString(constants.ExtProfileID)
	if !ok || id == "" {
		return queue.Accept, ""
	}
	prof, found := p.profiles.Get(id)
	switch {
	case !found:
		return queue.Reject, fmt.Sprintf("Profile %s not found", id)
	case !prof.Enabled:
		return queue.Reject, fmt.Sprintf("Profile %s not enabled", id)
	case prof.RequiresApproval && len(req.ApproveAgents()) == 0:
		return queue.Defer, ""
	}
	return queue.Accept, ""
}
