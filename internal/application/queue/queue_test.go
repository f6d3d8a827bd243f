package queue

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service/mocks"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/memory"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *memory.Store, *mocks.RecordingAuditSink) {
	t.Helper()
	store := memory.NewStore()
	audit := &mocks.RecordingAuditSink{}
	return New(store.Requests(), audit, logger.NewNoopLogger(), opts...), store, audit
}

func TestProcessRequest_Success(t *testing.T) {
	q, store, audit := newTestQueue(t)
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		req.Ext.SetString(constants.ExtSecurityDataAlgorithm, "AES")
		return nil
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "", false)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusBegin, req.Status)

	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.True(t, req.Succeeded())

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, stored.Status)
	alg, _ := stored.Ext.GetString(constants.ExtSecurityDataAlgorithm)
	assert.Equal(t, "AES", alg)

	changes := audit.Find(constants.AuditRequestStateChange, constants.OutcomeSuccess)
	require.NotEmpty(t, changes)
	assert.Equal(t, string(constants.RequestStatusComplete), changes[len(changes)-1].Attributes["to"])
}

func TestProcessRequest_ServiceFailureIsRecorded(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		return errors.ErrCrypto("wrap", stderrors.New("token removed"))
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, stored.Status)
	code, ok := stored.Result()
	require.True(t, ok)
	assert.Equal(t, constants.ResultError, code)
	assert.NotEmpty(t, stored.ErrorReason())
	assert.Len(t, stored.SvcErrors(), 1)
	ec, _ := stored.Ext.GetString(constants.ExtErrorCode)
	assert.Equal(t, string(errors.CodeCrypto), ec)
}

func TestProcessRequest_ServicePanicIsRecorded(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		panic("boom")
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.False(t, req.Succeeded())
	assert.Contains(t, req.ErrorReason(), "boom")
}

func TestProcessRequest_TimeoutIsRecorded(t *testing.T) {
	q, _, _ := newTestQueue(t, WithServiceTimeout(20*time.Millisecond))
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.False(t, req.Succeeded())
	assert.Contains(t, req.ErrorReason(), "timed out")
}

func TestProcessRequest_TimeoutDiscardsBufferedWrite(t *testing.T) {
	q, store, _ := newTestQueue(t, WithServiceTimeout(20*time.Millisecond))
	finished := make(chan struct{})
	q.RegisterService(constants.RequestTypeNetkeyKeygen, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		defer close(finished)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		req.Ext.SetBool(constants.ExtDelayCommit, true)
		req.Ext.SetString(constants.ExtNetkeyPublicKey, "late")
		return q.UpdateRequest(context.Background(), req)
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeNetkeyKeygen, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))
	<-finished
	assert.Eventually(t, func() bool {
		q.delayMu.Lock()
		defer q.delayMu.Unlock()
		_, buffered := q.delayed[req.ID]
		return !buffered
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Flush(ctx, req.ID))
	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, stored.Status)
	assert.False(t, stored.Ext.Has(constants.ExtNetkeyPublicKey))
}

func TestProcessRequest_TimeoutAfterIntermediateWrite(t *testing.T) {
	q, store, _ := newTestQueue(t, WithServiceTimeout(20*time.Millisecond))
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		req.Ext.SetString(constants.ExtSecurityDataAlgorithm, "AES")
		if err := q.UpdateRequest(ctx, req); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, stored.Status)
	assert.Contains(t, stored.ErrorReason(), "timed out")
}

func TestUpdateRequest_StaleCopyConflicts(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	req, err := q.NewRequest(ctx, constants.RequestTypeEnrollment, "", false)
	require.NoError(t, err)

	first, err := q.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	second, err := q.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	first.Ext.SetString(constants.ExtProfileID, "caUserCert")
	require.NoError(t, q.UpdateRequest(ctx, first))

	second.Ext.SetString(constants.ExtProfileID, "caServerCert")
	err = q.UpdateRequest(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	profile, _ := stored.Ext.GetString(constants.ExtProfileID)
	assert.Equal(t, "caUserCert", profile)

	// the winner's copy carries the new version and can keep writing
	first.Ext.SetString(constants.ExtProfileID, "caDualCert")
	assert.NoError(t, q.UpdateRequest(ctx, first))
}

func TestProcessRequest_NoServiceLeavesApproved(t *testing.T) {
	q, _, _ := newTestQueue(t)

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeRenewal, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.Equal(t, constants.RequestStatusApproved, req.Status)
	assert.False(t, req.HasResult())
	assert.NotEmpty(t, req.ErrorReason())
}

func TestProcessRequest_PolicyReject(t *testing.T) {
	called := false
	q, _, _ := newTestQueue(t, WithPolicy(PolicyFunc(func(context.Context, *models.Request) (Decision, string) {
		return Reject, "profile disabled"
	})))
	q.RegisterService(constants.RequestTypeEnrollment, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		called = true
		return nil
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeEnrollment, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.False(t, called)
	assert.Equal(t, constants.RequestStatusRejected, req.Status)
	assert.Equal(t, "profile disabled", req.ErrorReason())
}

func TestApproveRequest_Quorum(t *testing.T) {
	serviced := 0
	policy := NewAgentApprovalPolicy(map[constants.RequestType]int{constants.RequestTypeSecurityDataRecovery: 2})
	q, _, _ := newTestQueue(t, WithPolicy(policy))
	q.RegisterService(constants.RequestTypeSecurityDataRecovery, ServiceFunc(func(ctx context.Context, req *models.Request) error {
		serviced++
		return nil
	}))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSecurityDataRecovery, "", false)
	require.NoError(t, err)
	req.AddApproveAgent("agent1")
	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.Equal(t, constants.RequestStatusPending, req.Status)

	// the same agent twice does not count towards the quorum
	updated, err := q.ApproveRequest(ctx, req.ID, "agent1", nil)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusPending, updated.Status)
	assert.Zero(t, serviced)

	updated, err = q.ApproveRequest(ctx, req.ID, "agent2", nil)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, updated.Status)
	assert.True(t, updated.Succeeded())
	assert.Equal(t, []string{"agent1", "agent2"}, updated.ApproveAgents())
	assert.Equal(t, 1, serviced)

	_, err = q.ApproveRequest(ctx, req.ID, "agent3", nil)
	assert.True(t, errors.IsInvalidState(err))
}

func TestCancelRequest_CompleteIsRefused(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(context.Context, *models.Request) error { return nil }))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))

	_, err = q.CancelRequest(ctx, req.ID, "agent1", "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, stored.Status)
	assert.True(t, stored.Succeeded())
}

func TestRejectAndCancelPending(t *testing.T) {
	policy := NewAgentApprovalPolicy(map[constants.RequestType]int{constants.RequestTypeSecurityDataRecovery: 1})
	q, _, audit := newTestQueue(t, WithPolicy(policy))
	serviced := false
	q.RegisterService(constants.RequestTypeSecurityDataRecovery, ServiceFunc(func(context.Context, *models.Request) error {
		serviced = true
		return nil
	}))

	ctx := context.Background()
	for _, tc := range []struct {
		name string
		do   func(id models.RequestID) (*models.Request, error)
		want constants.RequestStatus
	}{
		{"reject", func(id models.RequestID) (*models.Request, error) {
			return q.RejectRequest(ctx, id, "agent1", "not needed", nil)
		}, constants.RequestStatusRejected},
		{"cancel", func(id models.RequestID) (*models.Request, error) {
			return q.CancelRequest(ctx, id, "agent1", "", nil)
		}, constants.RequestStatusCanceled},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := q.NewRequest(ctx, constants.RequestTypeSecurityDataRecovery, "", false)
			require.NoError(t, err)
			require.NoError(t, q.ProcessRequest(ctx, req))
			require.Equal(t, constants.RequestStatusPending, req.Status)

			updated, err := tc.do(req.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, updated.Status)
			code, ok := updated.Result()
			assert.True(t, ok)
			assert.Equal(t, constants.ResultError, code)
			assert.NotEmpty(t, updated.ErrorReason())
		})
	}
	assert.False(t, serviced)
	assert.NotEmpty(t, audit.Find(constants.AuditRequestStateChange, ""))
}

func TestAgentGuardFailure(t *testing.T) {
	policy := NewAgentApprovalPolicy(map[constants.RequestType]int{constants.RequestTypeSecurityDataRecovery: 1})
	q, store, _ := newTestQueue(t, WithPolicy(policy))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSecurityDataRecovery, "r1", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))

	denied := errors.ErrUnauthorized("Agent not authorized by realm")
	_, err = q.CancelRequest(ctx, req.ID, "agent1", "", func(context.Context, *models.Request) error { return denied })
	assert.True(t, errors.IsUnauthorized(err))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusPending, stored.Status)
}

func TestEphemeralRequest(t *testing.T) {
	q, store, _ := newTestQueue(t)
	q.RegisterService(constants.RequestTypeSymKeyGeneration, ServiceFunc(func(context.Context, *models.Request) error { return nil }))

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeSymKeyGeneration, "fast", true)
	require.NoError(t, err)
	assert.True(t, req.ID.IsEphemeral())
	assert.Contains(t, string(req.ID), "eph-fast-")

	require.NoError(t, q.ProcessRequest(ctx, req))
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.True(t, req.Succeeded())

	_, err = q.GetRequest(ctx, req.ID)
	assert.True(t, errors.IsNotFound(err))
	all, err := store.Requests().Search(ctx, models.RequestFilter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDelayedCommit(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	req, err := q.NewRequest(ctx, constants.RequestTypeNetkeyKeygen, "", false)
	require.NoError(t, err)

	req.Ext.SetBool(constants.ExtDelayCommit, true)
	req.Ext.SetString(constants.ExtNetkeyPublicKey, "pub")
	require.NoError(t, q.UpdateRequest(ctx, req))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, stored.Ext.Has(constants.ExtNetkeyPublicKey))

	require.NoError(t, q.Flush(ctx, req.ID))
	stored, err = store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	pub, _ := stored.Ext.GetString(constants.ExtNetkeyPublicKey)
	assert.Equal(t, "pub", pub)

	// nothing buffered any more
	require.NoError(t, q.Flush(ctx, req.ID))
}

func TestCompletionListenersAndEvents(t *testing.T) {
	events := &mocks.MockRequestEventPublisher{}
	events.On("PublishRequestEvent", mock.Anything, mock.AnythingOfType("*models.Request")).Return(nil).Once()

	q, store, _ := newTestQueue(t, WithEventPublisher(events))
	q.RegisterService(constants.RequestTypeEnrollment, ServiceFunc(func(context.Context, *models.Request) error { return nil }))
	q.Bus().Subscribe(ListenerFunc(func(ctx context.Context, req *models.Request) (*ListenerResult, error) {
		upd := models.ExtData{}
		upd.SetString(constants.ExtPublishOverallStatus, "success")
		return &ListenerResult{ExtUpdates: upd}, nil
	}), constants.RequestTypeEnrollment)
	q.Bus().Subscribe(ListenerFunc(func(ctx context.Context, req *models.Request) (*ListenerResult, error) {
		return nil, stderrors.New("directory down")
	}), constants.RequestTypeEnrollment)

	ctx := context.Background()
	req, err := q.NewRequest(ctx, constants.RequestTypeEnrollment, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(ctx, req))

	stored, err := store.Requests().Get(ctx, req.ID)
	require.NoError(t, err)
	status, _ := stored.Ext.GetString(constants.ExtPublishOverallStatus)
	assert.Equal(t, "success", status)
	events.AssertExpectations(t)
}

func TestMarkAsServiced(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	req, err := q.NewRequest(ctx, constants.RequestTypeSecurityDataEnrollment, "", false)
	require.NoError(t, err)
	require.NoError(t, q.MarkAsServiced(ctx, req))
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.True(t, req.Succeeded())

	// idempotent on COMPLETE
	require.NoError(t, q.MarkAsServiced(ctx, req))

	canceled := models.NewRequest(constants.RequestTypeSecurityDataEnrollment, "")
	canceled.Status = constants.RequestStatusCanceled
	assert.True(t, errors.IsInvalidState(q.MarkAsServiced(ctx, canceled)))
}

func TestNewRequestRejectsUnknownType(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.NewRequest(context.Background(), constants.RequestType("bogus"), "", false)
	assert.True(t, errors.IsBadRequest(err))
}
