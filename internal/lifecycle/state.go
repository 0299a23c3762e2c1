// Package lifecycle classifies user/product event histories as legal
// subscription lifecycles and labels them with a current status.
package lifecycle

import (
	"time"

	"github.com/sells-group/revenue-engine/internal/model"
)

// Violation reasons.
const (
	ReasonMultipleTrialStarts             = "multiple_trial_starts"
	ReasonTrialStartAfterSubscription     = "trial_start_after_subscription"
	ReasonTrialConvertedWithoutStart      = "trial_converted_without_start"
	ReasonTrialCancelledWithoutStart      = "trial_cancelled_without_start"
	ReasonMultipleTrialEnds               = "multiple_trial_ends"
	ReasonTrialEndTooLate                 = "trial_end_too_late"
	ReasonInitialPurchaseDuringTrial      = "initial_purchase_during_trial"
	ReasonMultipleInitialPurchases        = "multiple_initial_purchases"
	ReasonInitialPurchaseAfterConversion  = "initial_purchase_after_conversion"
	ReasonRenewalWithoutSubscription      = "renewal_without_subscription"
	ReasonCancellationWithoutSubscription = "cancellation_without_subscription"
	ReasonTrialWithoutEnd                 = "trial_without_end"
	ReasonNoSubscriptionEvent             = "no_subscription_event"
	ReasonDatetimeParseError              = "datetime_parse_error"
	ReasonNoEvents                        = "no_events"
	ReasonUnknownEvent                    = "unknown_event"
)

// MaxTrialDays is the longest a trial may stay open before its end event.
const MaxTrialDays = 31

// Violation is an illegal lifecycle transition.
type Violation struct {
	Reason string
	Event  model.EventName
	At     time.Time
}

func (v *Violation) Error() string {
	return "lifecycle: " + v.Reason + " at " + string(v.Event)
}

type trialPhase int

const (
	trialNone trialPhase = iota
	trialOpen
	trialEnded
)

// State is the validation cursor of one pair. The zero value is the state
// before any event.
type State struct {
	trial      trialPhase
	trialStart time.Time
	subscribed bool
	converted  bool
	purchases  int
	maxTrial   time.Duration
}

// NewState returns the initial state with the given maximum trial length.
func NewState(maxTrialDays int) State {
	if maxTrialDays <= 0 {
		maxTrialDays = MaxTrialDays
	}
	return State{maxTrial: time.Duration(maxTrialDays) * 24 * time.Hour}
}

// Next applies one event. On a violation the receiver is returned unchanged
// together with a *Violation.
func (s State) Next(ev model.TimedEvent) (State, error) {
	fail := func(reason string) (State, error) {
		return s, &Violation{Reason: reason, Event: ev.Name, At: ev.Time}
	}

	switch ev.Name {
	case model.EventTrialStarted:
		if s.trial != trialNone {
			return fail(ReasonMultipleTrialStarts)
		}
		if s.subscribed {
			return fail(ReasonTrialStartAfterSubscription)
		}
		s.trial = trialOpen
		s.trialStart = ev.Time

	case model.EventTrialConverted, model.EventTrialCancelled:
		switch s.trial {
		case trialNone:
			if ev.Name == model.EventTrialConverted {
				return fail(ReasonTrialConvertedWithoutStart)
			}
			return fail(ReasonTrialCancelledWithoutStart)
		case trialEnded:
			return fail(ReasonMultipleTrialEnds)
		}
		if ev.Time.Sub(s.trialStart) > s.trialLimit() {
			return fail(ReasonTrialEndTooLate)
		}
		s.trial = trialEnded
		if ev.Name == model.EventTrialConverted {
			s.subscribed = true
			s.converted = true
		}

	case model.EventInitialPurchase:
		if s.trial == trialOpen {
			return fail(ReasonInitialPurchaseDuringTrial)
		}
		if s.purchases > 0 {
			return fail(ReasonMultipleInitialPurchases)
		}
		if s.converted {
			return fail(ReasonInitialPurchaseAfterConversion)
		}
		s.purchases++
		s.subscribed = true

	case model.EventRenewal:
		if !s.subscribed {
			return fail(ReasonRenewalWithoutSubscription)
		}

	case model.EventCancellation:
		if !s.subscribed {
			return fail(ReasonCancellationWithoutSubscription)
		}

	default:
		return fail(ReasonUnknownEvent)
	}
	return s, nil
}

func (s State) trialLimit() time.Duration {
	if s.maxTrial <= 0 {
		return MaxTrialDays * 24 * time.Hour
	}
	return s.maxTrial
}

// Finish applies the end-of-history checks.
func (s State) Finish() error {
	if s.trial == trialOpen {
		return &Violation{Reason: ReasonTrialWithoutEnd, Event: model.EventTrialStarted, At: s.trialStart}
	}
	if !s.subscribed && s.trial != trialEnded {
		return &Violation{Reason: ReasonNoSubscriptionEvent}
	}
	return nil
}
