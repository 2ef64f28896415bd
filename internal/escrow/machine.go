package escrow

import "time"

// Action is a requested state machine transition.
type Action string

const (
	ActionReportIssue    Action = "report_issue"
	ActionConfirmReceipt Action = "confirm_receipt"
	ActionBuyerCancel    Action = "buyer_cancel"
	ActionAutoRelease    Action = "auto_release"
	ActionAutoCancel     Action = "auto_cancel"
	ActionMarkSent       Action = "mark_sent"
	ActionAbandon        Action = "abandon"
)

// Decision is the financial side effect a step requires.
type Decision string

const (
	DecisionNone    Decision = "none"
	DecisionCapture Decision = "capture"
	DecisionCancel  Decision = "cancel"
)

// Step is the outcome of planning an action against an order.
type Step struct {
	Action   Action
	Decision Decision
	Next     Status
	// Already is set when the order is already where the action would take
	// it. No side effect may run.
	Already bool
}

// Plan evaluates action against the order's current state. It is pure: the
// order is not modified. Precondition failures are *StateError.
//
//	action          from         precondition                 effect
//	report_issue    authorized   now < deadline               -> on_hold
//	confirm_receipt authorized   now <= deadline              capture -> captured
//	buyer_cancel    authorized   not sent                     cancel -> canceled
//	auto_release    authorized   now > deadline               capture -> captured
//	auto_cancel     on_hold      now > deadline               cancel -> canceled
//	mark_sent       authorized                                sent flag only
//	abandon         authorized   no deadline                  cancel -> canceled
//	                on_hold
func Plan(o *Order, action Action, now time.Time) (Step, error) {
	reject := func(err error) (Step, error) {
		return Step{}, &StateError{Err: err, Status: o.Status}
	}
	already := func(next Status) (Step, error) {
		return Step{Action: action, Decision: DecisionNone, Next: next, Already: true}, nil
	}

	switch action {
	case ActionReportIssue:
		switch o.Status {
		case StatusOnHold:
			return already(StatusOnHold)
		case StatusAuthorized:
		default:
			return reject(ErrInvalidStatus)
		}
		if o.ConfirmDeadline != nil && !now.Before(*o.ConfirmDeadline) {
			return reject(ErrDeadlineExpired)
		}
		return Step{Action: action, Decision: DecisionNone, Next: StatusOnHold}, nil

	case ActionConfirmReceipt:
		switch o.Status {
		case StatusCaptured:
			return already(StatusCaptured)
		case StatusOnHold:
			return reject(ErrOnHold)
		case StatusAuthorized:
		default:
			return reject(ErrInvalidStatus)
		}
		if o.PastDeadline(now) {
			return reject(ErrDeadlineExpired)
		}
		return Step{Action: action, Decision: DecisionCapture, Next: StatusCaptured}, nil

	case ActionBuyerCancel:
		switch o.Status {
		case StatusCanceled:
			return already(StatusCanceled)
		case StatusCaptured:
			return reject(ErrAlreadyCaptured)
		case StatusOnHold:
			return reject(ErrOnHold)
		case StatusAuthorized:
		default:
			return reject(ErrInvalidStatus)
		}
		if o.Sent {
			return reject(ErrAlreadySent)
		}
		return Step{Action: action, Decision: DecisionCancel, Next: StatusCanceled}, nil

	case ActionAutoRelease:
		switch o.Status {
		case StatusCaptured:
			return already(StatusCaptured)
		case StatusOnHold:
			return reject(ErrOnHold)
		case StatusAuthorized:
		default:
			return reject(ErrInvalidStatus)
		}
		if !o.PastDeadline(now) {
			return reject(ErrNotDue)
		}
		return Step{Action: action, Decision: DecisionCapture, Next: StatusCaptured}, nil

	case ActionAutoCancel:
		switch o.Status {
		case StatusCanceled:
			return already(StatusCanceled)
		case StatusCaptured:
			return reject(ErrAlreadyCaptured)
		case StatusOnHold:
		default:
			return reject(ErrInvalidStatus)
		}
		if !o.PastDeadline(now) {
			return reject(ErrNotDue)
		}
		return Step{Action: action, Decision: DecisionCancel, Next: StatusCanceled}, nil

	case ActionAbandon:
		switch o.Status {
		case StatusCanceled:
			return already(StatusCanceled)
		case StatusCaptured:
			return reject(ErrAlreadyCaptured)
		case StatusAuthorized, StatusOnHold:
		default:
			return reject(ErrInvalidStatus)
		}
		if o.ConfirmDeadline != nil {
			return reject(ErrHoldConfirmed)
		}
		return Step{Action: action, Decision: DecisionCancel, Next: StatusCanceled}, nil

	case ActionMarkSent:
		switch o.Status {
		case StatusOnHold:
			return reject(ErrOnHold)
		case StatusAuthorized:
		default:
			return reject(ErrInvalidStatus)
		}
		if o.Sent {
			return already(StatusAuthorized)
		}
		return Step{Action: action, Decision: DecisionNone, Next: StatusAuthorized}, nil
	}

	return reject(ErrInvalidStatus)
}

// ExpiryAction is what the scheduler does with an order past its deadline.
func ExpiryAction(o *Order) Action {
	if o.Status == StatusOnHold {
		return ActionAutoCancel
	}
	return ActionAutoRelease
}

// accept applies a planned step. It is the only place that writes Status.
func (o *Order) accept(step Step, now time.Time) {
	if step.Already {
		return
	}
	switch step.Action {
	case ActionMarkSent:
		o.Sent = true
		o.SentAt = &now
		return
	case ActionConfirmReceipt:
		o.Resolution = ResolutionBuyerConfirmed
	case ActionAutoRelease:
		o.Resolution = ResolutionAutoReleased
	case ActionBuyerCancel:
		o.Resolution = ResolutionBuyerCanceled
	case ActionAutoCancel:
		o.Resolution = ResolutionAutoCanceled
	case ActionAbandon:
		o.Resolution = ResolutionAbandoned
	}
	o.enter(step.Next, now)
}

// acceptProvider records a terminal state the provider reports, used when
// the reconciler or a settlement conflict learns of it. Terminal orders are
// never changed.
func (o *Order) acceptProvider(status Status, now time.Time) bool {
	if o.IsTerminal() || (status != StatusCaptured && status != StatusCanceled) {
		return false
	}
	if status == StatusCaptured {
		o.Resolution = ResolutionProviderCaptured
	} else {
		o.Resolution = ResolutionProviderCanceled
	}
	o.enter(status, now)
	return true
}

func (o *Order) enter(status Status, now time.Time) {
	o.Status = status
	o.LastTransitionAt = now
	switch status {
	case StatusCaptured:
		if o.CapturedAt == nil {
			o.CapturedAt = &now
		}
	case StatusCanceled:
		if o.CanceledAt == nil {
			o.CanceledAt = &now
		}
	}
}
