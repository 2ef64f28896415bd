package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func orderAt(status Status, deadline time.Time) *Order {
	return &Order{
		ID:              "pi_test",
		Status:          status,
		ConfirmDeadline: &deadline,
		CreatedAt:       t0,
	}
}

func TestPlan_TransitionTable(t *testing.T) {
	deadline := t0.Add(72 * time.Hour)
	before := deadline.Add(-time.Minute)
	after := deadline.Add(time.Minute)

	tests := []struct {
		name     string
		status   Status
		sent     bool
		action   Action
		now      time.Time
		decision Decision
		next     Status
		already  bool
		err      error
	}{
		{"report issue in window", StatusAuthorized, false, ActionReportIssue, before, DecisionNone, StatusOnHold, false, nil},
		{"report issue at deadline", StatusAuthorized, false, ActionReportIssue, deadline, "", "", false, ErrDeadlineExpired},
		{"report issue twice", StatusOnHold, false, ActionReportIssue, before, DecisionNone, StatusOnHold, true, nil},
		{"report issue after capture", StatusCaptured, false, ActionReportIssue, before, "", "", false, ErrInvalidStatus},

		{"confirm in window", StatusAuthorized, false, ActionConfirmReceipt, before, DecisionCapture, StatusCaptured, false, nil},
		{"confirm at deadline", StatusAuthorized, false, ActionConfirmReceipt, deadline, DecisionCapture, StatusCaptured, false, nil},
		{"confirm after deadline", StatusAuthorized, false, ActionConfirmReceipt, after, "", "", false, ErrDeadlineExpired},
		{"confirm on hold", StatusOnHold, false, ActionConfirmReceipt, before, "", "", false, ErrOnHold},
		{"confirm twice", StatusCaptured, false, ActionConfirmReceipt, before, DecisionNone, StatusCaptured, true, nil},
		{"confirm canceled", StatusCanceled, false, ActionConfirmReceipt, before, "", "", false, ErrInvalidStatus},

		{"cancel before sent", StatusAuthorized, false, ActionBuyerCancel, before, DecisionCancel, StatusCanceled, false, nil},
		{"cancel after sent", StatusAuthorized, true, ActionBuyerCancel, before, "", "", false, ErrAlreadySent},
		{"cancel captured", StatusCaptured, false, ActionBuyerCancel, before, "", "", false, ErrAlreadyCaptured},
		{"cancel on hold", StatusOnHold, false, ActionBuyerCancel, before, "", "", false, ErrOnHold},
		{"cancel twice", StatusCanceled, false, ActionBuyerCancel, before, DecisionNone, StatusCanceled, true, nil},

		{"auto release due", StatusAuthorized, false, ActionAutoRelease, after, DecisionCapture, StatusCaptured, false, nil},
		{"auto release at deadline", StatusAuthorized, false, ActionAutoRelease, deadline, "", "", false, ErrNotDue},
		{"auto release on hold", StatusOnHold, false, ActionAutoRelease, after, "", "", false, ErrOnHold},
		{"auto release captured", StatusCaptured, false, ActionAutoRelease, after, DecisionNone, StatusCaptured, true, nil},

		{"auto cancel due", StatusOnHold, false, ActionAutoCancel, after, DecisionCancel, StatusCanceled, false, nil},
		{"auto cancel not due", StatusOnHold, false, ActionAutoCancel, before, "", "", false, ErrNotDue},
		{"auto cancel authorized", StatusAuthorized, false, ActionAutoCancel, after, "", "", false, ErrInvalidStatus},
		{"auto cancel captured", StatusCaptured, false, ActionAutoCancel, after, "", "", false, ErrAlreadyCaptured},

		{"mark sent", StatusAuthorized, false, ActionMarkSent, before, DecisionNone, StatusAuthorized, false, nil},
		{"mark sent twice", StatusAuthorized, true, ActionMarkSent, before, DecisionNone, StatusAuthorized, true, nil},
		{"mark sent on hold", StatusOnHold, false, ActionMarkSent, before, "", "", false, ErrOnHold},

		{"abandon confirmed hold", StatusAuthorized, false, ActionAbandon, after, "", "", false, ErrHoldConfirmed},
		{"abandon captured", StatusCaptured, false, ActionAbandon, after, "", "", false, ErrAlreadyCaptured},
		{"abandon canceled", StatusCanceled, false, ActionAbandon, after, DecisionNone, StatusCanceled, true, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := orderAt(tc.status, deadline)
			o.Sent = tc.sent

			step, err := Plan(o, tc.action, tc.now)
			if tc.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.err), "got %v", err)
				var se *StateError
				require.True(t, errors.As(err, &se))
				assert.Equal(t, tc.status, se.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.decision, step.Decision)
			assert.Equal(t, tc.next, step.Next)
			assert.Equal(t, tc.already, step.Already)
			assert.Equal(t, tc.status, o.Status, "Plan must not modify the order")
		})
	}
}

func TestPlan_NoDeadlineIsNeverDue(t *testing.T) {
	o := &Order{ID: "pi_1", Status: StatusAuthorized}
	far := t0.Add(365 * 24 * time.Hour)

	_, err := Plan(o, ActionAutoRelease, far)
	assert.ErrorIs(t, err, ErrNotDue)

	step, err := Plan(o, ActionConfirmReceipt, far)
	require.NoError(t, err)
	assert.Equal(t, DecisionCapture, step.Decision)
}

func TestPlan_AbandonUnconfirmedHold(t *testing.T) {
	for _, status := range []Status{StatusAuthorized, StatusOnHold} {
		o := &Order{ID: "pi_1", Status: status, CreatedAt: t0}
		step, err := Plan(o, ActionAbandon, t0)
		require.NoError(t, err)
		assert.Equal(t, DecisionCancel, step.Decision)
		assert.Equal(t, StatusCanceled, step.Next)

		o.accept(step, t0)
		assert.Equal(t, StatusCanceled, o.Status)
		assert.Equal(t, ResolutionAbandoned, o.Resolution)
	}
}

func TestOrder_Abandoned(t *testing.T) {
	o := &Order{ID: "pi_1", Status: StatusAuthorized, CreatedAt: t0}

	assert.False(t, o.Abandoned(t0.Add(24*time.Hour), 24*time.Hour), "cutoff is exclusive")
	assert.True(t, o.Abandoned(t0.Add(24*time.Hour+time.Second), 24*time.Hour))
	assert.False(t, o.Abandoned(t0.Add(30*24*time.Hour), 0), "zero disables the cutoff")

	deadline := t0.Add(72 * time.Hour)
	o.ConfirmDeadline = &deadline
	assert.False(t, o.Abandoned(t0.Add(30*24*time.Hour), 24*time.Hour))

	o.ConfirmDeadline = nil
	o.Status = StatusCanceled
	assert.False(t, o.Abandoned(t0.Add(30*24*time.Hour), 24*time.Hour))
}

func TestAccept_SetsResolutionAndTimestamps(t *testing.T) {
	deadline := t0.Add(time.Hour)
	o := orderAt(StatusAuthorized, deadline)

	step, err := Plan(o, ActionConfirmReceipt, t0)
	require.NoError(t, err)
	o.accept(step, t0)

	assert.Equal(t, StatusCaptured, o.Status)
	assert.Equal(t, ResolutionBuyerConfirmed, o.Resolution)
	require.NotNil(t, o.CapturedAt)
	assert.Equal(t, t0, *o.CapturedAt)
	assert.Nil(t, o.CanceledAt)
	assert.Equal(t, t0, o.LastTransitionAt)
}

func TestAccept_MarkSentKeepsStatus(t *testing.T) {
	o := orderAt(StatusAuthorized, t0.Add(time.Hour))
	step, err := Plan(o, ActionMarkSent, t0)
	require.NoError(t, err)
	o.accept(step, t0)

	assert.True(t, o.Sent)
	require.NotNil(t, o.SentAt)
	assert.Equal(t, StatusAuthorized, o.Status)
}

func TestAcceptProvider_TerminalIsImmutable(t *testing.T) {
	o := orderAt(StatusCanceled, t0)
	canceledAt := t0
	o.CanceledAt = &canceledAt

	assert.False(t, o.acceptProvider(StatusCaptured, t0.Add(time.Hour)))
	assert.Equal(t, StatusCanceled, o.Status)
	assert.Nil(t, o.CapturedAt)

	live := orderAt(StatusOnHold, t0)
	assert.True(t, live.acceptProvider(StatusCaptured, t0))
	assert.Equal(t, ResolutionProviderCaptured, live.Resolution)
	assert.False(t, live.acceptProvider(StatusOnHold, t0))
}

func TestExpiryAction(t *testing.T) {
	assert.Equal(t, ActionAutoRelease, ExpiryAction(&Order{Status: StatusAuthorized}))
	assert.Equal(t, ActionAutoCancel, ExpiryAction(&Order{Status: StatusOnHold}))
}
