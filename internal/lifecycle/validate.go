package lifecycle

import (
	"errors"
	"time"

	"github.com/sells-group/revenue-engine/internal/model"
)

// Result is the classification of one event history.
type Result struct {
	Valid  bool         `json:"valid"`
	Reason string       `json:"reason,omitempty"`
	Status model.Status `json:"status"`
}

// Validator classifies event histories. The zero value uses MaxTrialDays.
type Validator struct {
	MaxTrialDays int
}

// Validate classifies events with the default trial length.
func Validate(events []model.Event, now time.Time) Result {
	return Validator{}.Validate(events, now)
}

// Validate classifies a full event history. It is pure: the same events and
// now always produce the same result. Status is derived even when the
// history is invalid.
func (v Validator) Validate(events []model.Event, now time.Time) Result {
	if len(events) == 0 {
		return Result{Reason: ReasonNoEvents, Status: model.StatusUnknown}
	}

	timed, err := model.SortByTime(events)
	if err != nil {
		return Result{Reason: ReasonDatetimeParseError, Status: model.StatusUnknown}
	}

	res := Result{Valid: true, Status: v.DeriveStatus(timed, now)}

	state := NewState(v.maxTrialDays())
	for _, ev := range timed {
		next, err := state.Next(ev)
		if err != nil {
			res.Valid = false
			res.Reason = reasonOf(err)
			return res
		}
		state = next
	}

	if err := state.Finish(); err != nil {
		res.Valid = false
		res.Reason = reasonOf(err)
	}
	return res
}

func (v Validator) maxTrialDays() int {
	if v.MaxTrialDays <= 0 {
		return MaxTrialDays
	}
	return v.MaxTrialDays
}

func reasonOf(err error) string {
	var viol *Violation
	if errors.As(err, &viol) {
		return viol.Reason
	}
	return ReasonUnknownEvent
}

// DeriveStatus labels a time-sorted history from its last event, looking
// backward where the last event alone is ambiguous.
func (v Validator) DeriveStatus(timed []model.TimedEvent, now time.Time) model.Status {
	if len(timed) == 0 {
		return model.StatusUnknown
	}
	last := timed[len(timed)-1]
	prior := timed[:len(timed)-1]
	refund := last.Revenue.IsNegative()

	switch last.Name {
	case model.EventTrialStarted:
		limit := time.Duration(v.maxTrialDays()) * 24 * time.Hour
		if now.Sub(last.Time) > limit {
			return model.StatusExtendedTrialError
		}
		return model.StatusTrialPending

	case model.EventTrialCancelled:
		for _, ev := range prior {
			if ev.Name == model.EventTrialConverted {
				return convertedEnding(refund)
			}
		}
		return model.StatusTrialCancelled

	case model.EventTrialConverted:
		return model.StatusTrialConverted

	case model.EventRenewal:
		if subscriptionOrigin(prior) == model.EventInitialPurchase {
			return model.StatusInitialPurchase
		}
		return model.StatusTrialConverted

	case model.EventInitialPurchase:
		return model.StatusInitialPurchase

	case model.EventCancellation:
		for i := len(prior) - 1; i >= 0; i-- {
			switch prior[i].Name {
			case model.EventInitialPurchase:
				return purchaseEnding(refund)
			case model.EventTrialConverted:
				return convertedEnding(refund)
			case model.EventRenewal:
				if subscriptionOrigin(prior[:i]) == model.EventInitialPurchase {
					return purchaseEnding(refund)
				}
				return convertedEnding(refund)
			case model.EventTrialStarted:
				return model.StatusTrialCancelled
			}
		}
		if refund {
			return model.StatusRefunded
		}
		return model.StatusCancelled
	}
	return model.StatusUnknown
}

// DeriveStatus labels events with the default trial length. Events whose
// time cannot be parsed yield StatusUnknown.
func DeriveStatus(events []model.Event, now time.Time) model.Status {
	timed, err := model.SortByTime(events)
	if err != nil {
		return model.StatusUnknown
	}
	return Validator{}.DeriveStatus(timed, now)
}

// subscriptionOrigin returns the nearest Trial converted or Initial purchase
// looking backward, defaulting to Trial converted.
func subscriptionOrigin(prior []model.TimedEvent) model.EventName {
	for i := len(prior) - 1; i >= 0; i-- {
		switch prior[i].Name {
		case model.EventTrialConverted, model.EventInitialPurchase:
			return prior[i].Name
		}
	}
	return model.EventTrialConverted
}

func convertedEnding(refund bool) model.Status {
	if refund {
		return model.StatusTrialConvertedRefunded
	}
	return model.StatusTrialConvertedCancelled
}

func purchaseEnding(refund bool) model.Status {
	if refund {
		return model.StatusPurchaseRefunded
	}
	return model.StatusPurchaseCancelled
}
