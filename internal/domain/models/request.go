package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/eldorplus/pki/pkg/constants"
)

// RequestID identifies a request. Durable ids are decimal strings allocated by the
// store sequence; ephemeral ids carry the EphemeralPrefix and are never persisted.
// RequestID 标识一个请求。持久化 ID 由存储序列分配；临时 ID 带有 EphemeralPrefix 前缀且永不持久化。
type RequestID string

// EphemeralPrefix marks ids allocated outside the durable id space.
const EphemeralPrefix = "eph-"

// IsEphemeral reports whether id belongs to the ephemeral id space.
func (id RequestID) IsEphemeral() bool {
	return strings.HasPrefix(string(id), EphemeralPrefix)
}

func (id RequestID) String() string { return string(id) }

// Request is the central entity driven through the lifecycle state machine.
// Request 是在生命周期状态机中流转的核心实体。
type Request struct {
	// ID is immutable once assigned.
	// ID 一旦分配即不可变。
	ID RequestID
	// Type selects the service that processes the request.
	// Type 决定由哪个服务处理该请求。
	Type constants.RequestType
	// Status is the current state machine state.
	// Status 是当前状态机状态。
	Status constants.RequestStatus
	// Owner is the requester identity; empty means an anonymous end-entity submission.
	// Owner 是请求者身份；为空表示匿名终端实体提交。
	Owner string
	// Realm is the optional authorization domain.
	// Realm 是可选的授权域。
	Realm string
	// Ext carries typed extension data exchanged between processors and services.
	// Ext 携带处理器与服务之间交换的类型化扩展数据。
	Ext ExtData
	// Inputs are free-form profile input attributes used for pattern substitution.
	// Inputs 是用于模式替换的自由格式配置文件输入属性。
	Inputs map[string]string
	// Ephemeral requests are processed inline and never persisted.
	// 临时请求在线处理，永不持久化。
	Ephemeral bool
	// Version is incremented by every durable write.
	// Version 在每次持久化写入时递增。
	Version int64
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time
	// ModifiedAt never decreases.
	ModifiedAt time.Time
}

// NewRequest builds a BEGIN-status request; the store assigns the id.
func NewRequest(reqType constants.RequestType, realm string) *Request {
	now := time.Now().UTC()
	r := &Request{
		Type:       reqType,
		Status:     constants.RequestStatusBegin,
		Realm:      realm,
		Ext:        ExtData{},
		Inputs:     map[string]string{},
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if realm != "" {
		r.Ext.SetString(constants.ExtRequestRealm, realm)
	}
	return r
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Ext = r.Ext.Clone()
	out.Inputs = make(map[string]string, len(r.Inputs))
	for k, v := range r.Inputs {
		out.Inputs[k] = v
	}
	return &out
}

// SetOwner records the requester in both the field and ATTR_REQUEST_OWNER.
func (r *Request) SetOwner(owner string) {
	r.Owner = owner
	if owner == "" {
		r.Ext.Delete(constants.ExtRequestOwner)
		return
	}
	r.Ext.SetString(constants.ExtRequestOwner, owner)
}

// Touch advances ModifiedAt without letting it go backwards.
func (r *Request) Touch() {
	now := time.Now().UTC()
	if now.After(r.ModifiedAt) {
		r.ModifiedAt = now
	}
}

// ================================================================================
// Result helpers
// ================================================================================

// Result returns the RESULT code if one was recorded.
func (r *Request) Result() (int, bool) {
	n, ok := r.Ext.GetInt(constants.ExtResult)
	return int(n), ok
}

// HasResult reports whether RESULT is present.
func (r *Request) HasResult() bool { return r.Ext.Has(constants.ExtResult) }

// Succeeded reports RESULT == success.
func (r *Request) Succeeded() bool {
	code, ok := r.Result()
	return ok && code == constants.ResultSuccess
}

// SetResult records a result code.
func (r *Request) SetResult(code int) {
	r.Ext.SetInt(constants.ExtResult, int64(code))
}

// SetError records RESULT=error with a human-readable reason and optional code.
func (r *Request) SetError(reason, code string) {
	r.SetResult(constants.ResultError)
	r.Ext.SetString(constants.ExtError, reason)
	if code != "" {
		r.Ext.SetString(constants.ExtErrorCode, code)
	}
}

// ErrorReason returns the recorded ERROR value.
func (r *Request) ErrorReason() string {
	s, _ := r.Ext.GetString(constants.ExtError)
	return s
}

const svcErrorSep = "\n"

// AddSvcError appends a per-item service error.
func (r *Request) AddSvcError(msg string) {
	errs := r.SvcErrors()
	errs = append(errs, msg)
	r.Ext.SetList(constants.ExtSvcErrors, svcErrorSep, errs)
}

// SvcErrors returns the structured service error list.
func (r *Request) SvcErrors() []string {
	return r.Ext.GetList(constants.ExtSvcErrors, svcErrorSep)
}

// ================================================================================
// Approval agents
// ================================================================================

const agentSep = ","

// ApproveAgents returns the agents that have approved the request.
func (r *Request) ApproveAgents() []string {
	return r.Ext.GetList(constants.ExtApproveAgents, agentSep)
}

// AddApproveAgent records agent once. It reports whether the agent was new.
func (r *Request) AddApproveAgent(agent string) bool {
	agents := r.ApproveAgents()
	for _, a := range agents {
		if a == agent {
			return false
		}
	}
	r.Ext.SetList(constants.ExtApproveAgents, agentSep, append(agents, agent))
	return true
}

// ================================================================================
// State machine
// ================================================================================

var transitions = map[constants.RequestStatus][]constants.RequestStatus{
	constants.RequestStatusBegin: {
		constants.RequestStatusPending, constants.RequestStatusApproved, constants.RequestStatusSvcPending,
		constants.RequestStatusComplete, constants.RequestStatusRejected, constants.RequestStatusCanceled,
	},
	constants.RequestStatusPending: {
		constants.RequestStatusApproved, constants.RequestStatusRejected, constants.RequestStatusCanceled,
	},
	constants.RequestStatusApproved: {
		constants.RequestStatusSvcPending, constants.RequestStatusComplete,
		constants.RequestStatusRejected, constants.RequestStatusCanceled,
	},
	constants.RequestStatusSvcPending: {
		constants.RequestStatusComplete,
	},
}

// CanTransition reports whether from -> to is a legal state machine edge.
// Staying in the same non-terminal state is allowed.
func CanTransition(from, to constants.RequestStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks the invariants every stored request must satisfy.
func (r *Request) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown request type %q", r.Type)
	}
	if r.Status.IsTerminal() != r.HasResult() {
		return fmt.Errorf("request %s: result presence does not match status %s", r.ID, r.Status)
	}
	return nil
}

// RequestFilter selects requests in Search. Zero fields match everything.
type RequestFilter struct {
	Type        constants.RequestType
	Status      constants.RequestStatus
	Owner       string
	Realm       string
	ClientKeyID string
}

// Matches reports whether r satisfies f.
func (f RequestFilter) Matches(r *Request) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Owner != "" && r.Owner != f.Owner {
		return false
	}
	if f.Realm != "" && r.Realm != f.Realm {
		return false
	}
	if f.ClientKeyID != "" {
		id, _ := r.Ext.GetString(constants.ExtSecurityDataClientKeyID)
		if id != f.ClientKeyID {
			return false
		}
	}
	return true
}
