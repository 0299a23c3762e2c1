package model

import "github.com/shopspring/decimal"

// Status is the current_status label of a pair.
type Status string

const (
	StatusTrialPending            Status = "trial_pending"
	StatusExtendedTrialError      Status = "extended_trial_error"
	StatusTrialCancelled          Status = "trial_cancelled"
	StatusTrialConverted          Status = "trial_converted"
	StatusTrialConvertedRefunded  Status = "trial_converted_refunded"
	StatusTrialConvertedCancelled Status = "trial_converted_cancelled"
	StatusInitialPurchase         Status = "initial_purchase"
	StatusPurchaseRefunded        Status = "purchase_refunded"
	StatusPurchaseCancelled       Status = "purchase_cancelled"
	StatusRefunded                Status = "refunded"
	StatusCancelled               Status = "cancelled"
	StatusUnknown                 Status = "unknown"
)

// AssignmentType tags how a pair's price bucket was determined.
type AssignmentType string

const (
	AssignConversion         AssignmentType = "conversion"
	AssignConversionNoBucket AssignmentType = "conversion_no_bucket"
	AssignInheritedPrior     AssignmentType = "inherited_prior"
	AssignInheritedClosest   AssignmentType = "inherited_closest"
	AssignNoEvent            AssignmentType = "no_event"
	AssignNoConversionsEver  AssignmentType = "no_conversions_ever"

	// AssignNeedsPass2 marks a pair deferred to the closest-in-time pass.
	// It is never persisted.
	AssignNeedsPass2 AssignmentType = "needs_pass_2"
)

// ValueStatus names the value-model phase a pair is in.
type ValueStatus string

const (
	ValuePendingTrial            ValueStatus = "pending_trial"
	ValuePostConversionPreRefund ValueStatus = "post_conversion_pre_refund"
	ValuePostPurchasePreRefund   ValueStatus = "post_purchase_pre_refund"
	ValueFinal                   ValueStatus = "final_value"
)

// LifecycleResult is the lifecycle validator output for one pair.
type LifecycleResult struct {
	PairKey
	Valid  bool
	Reason string
	Status Status
}

// PriceAssignment is the price bucket assigner output for one pair.
type PriceAssignment struct {
	PairKey
	PriceBucket            decimal.Decimal
	AssignmentType         AssignmentType
	InheritedFromEventType *EventName
}

// ValueResult is the value estimator output for one pair. Skipped pairs are
// simply absent from the result set and get their value fields cleared.
type ValueResult struct {
	PairKey
	Status       Status
	CurrentValue decimal.Decimal
	ValueStatus  ValueStatus
}
