// Package transition owns every change to a work item's stage.
package transition

import (
	"context"
	"fmt"
	"strings"

	"stageline/internal/criteria"
	"stageline/internal/domain"
)

type Options struct {
	ForceOverride bool
}

// Decision is the validator's verdict. CheckResult is always populated so
// callers can show warnings for allowed-but-unmet criteria.
type Decision struct {
	Allowed     bool            `json:"allowed"`
	Reason      string          `json:"reason,omitempty"`
	Overridden  bool            `json:"overridden"`
	CheckResult criteria.Result `json:"check_result"`
}

// Decide applies the transition policy to a criteria result:
// blocked only when criteria fail, are enforced, and no permitted override applies.
func Decide(res criteria.Result, opts Options) Decision {
	d := Decision{CheckResult: res}
	switch {
	case res.CanGraduate:
		d.Allowed = true
	case !res.Enforced:
		d.Allowed = true
		d.Reason = "criteria not enforced: " + strings.Join(res.FailedMessages(), "; ")
	case opts.ForceOverride && res.OverrideAllowed:
		d.Allowed = true
		d.Overridden = true
		d.Reason = "override: " + strings.Join(res.FailedMessages(), "; ")
	default:
		d.Reason = strings.Join(res.FailedMessages(), "; ")
	}
	return d
}

type Validator struct {
	Checker criteria.Checker
}

// ValidateTransition decides whether workItemID may move to target without
// writing anything. Unknown and same-stage targets are errors; everything
// else is judged by the item's current stage criteria.
func (v Validator) ValidateTransition(ctx context.Context, workItemID string, target domain.Stage, opts Options) (Decision, error) {
	item, err := v.Checker.Repo.GetWorkItem(ctx, nil, workItemID)
	if err != nil {
		return Decision{}, err
	}
	return v.ValidateItem(ctx, item, target, opts)
}

func (v Validator) ValidateItem(ctx context.Context, item domain.WorkItem, target domain.Stage, opts Options) (Decision, error) {
	if !target.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", domain.ErrUnknownStage, target)
	}
	if item.Stage == target {
		return Decision{}, ErrSameStage
	}
	res, err := v.Checker.CheckItem(ctx, item)
	if err != nil {
		return Decision{}, err
	}
	return Decide(res, opts), nil
}
