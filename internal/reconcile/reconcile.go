// Package reconcile converges an actual set of records towards a desired set of
// keys. Callers describe both sides; Diff computes the minimal change set and
// Apply executes it through caller supplied create/remove functions.
package reconcile

import (
	"context"
	"fmt"
)

// Plan lists the work needed to converge actual onto desired.
type Plan[K comparable, V any] struct {
	// Create holds desired keys with no matching actual record, in desired order.
	Create []K
	// Remove holds actual records whose key is not desired, plus duplicates of
	// a desired key beyond the first occurrence.
	Remove []V
	// Keep holds the one actual record retained for each satisfied key.
	Keep []V
}

// Empty reports whether the plan performs no writes.
func (p Plan[K, V]) Empty() bool {
	return len(p.Create) == 0 && len(p.Remove) == 0
}

// Diff compares desired keys with actual records keyed by keyOf. It is pure and
// deterministic: the output order follows the input order.
func Diff[K comparable, V any](desired []K, actual []V, keyOf func(V) K) Plan[K, V] {
	want := make(map[K]struct{}, len(desired))
	for _, k := range desired {
		want[k] = struct{}{}
	}

	var plan Plan[K, V]
	have := make(map[K]struct{}, len(actual))
	for _, v := range actual {
		k := keyOf(v)
		if _, ok := want[k]; !ok {
			plan.Remove = append(plan.Remove, v)
			continue
		}
		if _, dup := have[k]; dup {
			plan.Remove = append(plan.Remove, v)
			continue
		}
		have[k] = struct{}{}
		plan.Keep = append(plan.Keep, v)
	}

	queued := make(map[K]struct{}, len(desired))
	for _, k := range desired {
		if _, ok := have[k]; ok {
			continue
		}
		if _, ok := queued[k]; ok {
			continue
		}
		queued[k] = struct{}{}
		plan.Create = append(plan.Create, k)
	}
	return plan
}

// Apply executes removals first, then creations. It stops at the first error
// and reports how many operations of each kind completed. Because Diff is
// recomputed from state on every run, a failed Apply is resumed by diffing and
// applying again.
func Apply[K comparable, V any](ctx context.Context, plan Plan[K, V], create func(context.Context, K) error, remove func(context.Context, V) error) (created, removed int, err error) {
	for _, v := range plan.Remove {
		if err := ctx.Err(); err != nil {
			return created, removed, err
		}
		if err := remove(ctx, v); err != nil {
			return created, removed, fmt.Errorf("reconcile: remove: %w", err)
		}
		removed++
	}
	for _, k := range plan.Create {
		if err := ctx.Err(); err != nil {
			return created, removed, err
		}
		if err := create(ctx, k); err != nil {
			return created, removed, fmt.Errorf("reconcile: create: %w", err)
		}
		created++
	}
	return created, removed, nil
}
