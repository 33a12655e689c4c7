package engine

import (
	"context"
	"fmt"

	"github.com/overhuman/abengine/internal/experiment"
)

// Targeter decides whether a user belongs to an experiment's audience.
type Targeter interface {
	Match(ctx context.Context, exp *experiment.Experiment, userID string) bool
}

// MatchAll admits every user.
type MatchAll struct{}

func (MatchAll) Match(context.Context, *experiment.Experiment, string) bool { return true }

// AttributeSource supplies host-side user attributes.
type AttributeSource interface {
	Attributes(ctx context.Context, userID string) (map[string]any, error)
}

// AttributeSourceFunc adapts a function to AttributeSource.
type AttributeSourceFunc func(ctx context.Context, userID string) (map[string]any, error)

func (f AttributeSourceFunc) Attributes(ctx context.Context, userID string) (map[string]any, error) {
	return f(ctx, userID)
}

// AttributeTargeter matches an experiment's target_users criteria against
// user attributes. Each criterion key must be present on the user; a scalar
// criterion requires equality and a list criterion requires membership.
// Experiments without criteria admit everyone. Attribute lookup failures
// exclude the user.
type AttributeTargeter struct {
	Source AttributeSource
}

func (t AttributeTargeter) Match(ctx context.Context, exp *experiment.Experiment, userID string) bool {
	if len(exp.TargetUsers) == 0 {
		return true
	}
	if t.Source == nil {
		return false
	}
	attrs, err := t.Source.Attributes(ctx, userID)
	if err != nil {
		return false
	}
	for key, want := range exp.TargetUsers {
		got, ok := attrs[key]
		if !ok || !criterionMatches(want, got) {
			return false
		}
	}
	return true
}

func criterionMatches(want, got any) bool {
	if options, ok := want.([]any); ok {
		for _, o := range options {
			if sameValue(o, got) {
				return true
			}
		}
		return false
	}
	return sameValue(want, got)
}

// sameValue compares loosely so that YAML ints match JSON floats.
func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
