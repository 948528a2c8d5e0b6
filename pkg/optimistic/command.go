// Package optimistic runs a mutation as an apply/compensate pair so each
// optimistic update has exactly one rollback path.
package optimistic

import "context"

// Command is a local state mutation applied before the remote call and
// compensated if the remote call fails.
type Command interface {
	Apply()
	Compensate(err error)
}

// Run applies cmd, executes do and compensates on failure. Errors for which
// skip returns true (e.g. cancellation) are returned without compensating.
func Run(ctx context.Context, cmd Command, do func(ctx context.Context) error, skip func(error) bool) error {
	cmd.Apply()
	return Resume(ctx, cmd, do, skip)
}

// Resume executes do for a command that was already applied.
func Resume(ctx context.Context, cmd Command, do func(ctx context.Context) error, skip func(error) bool) error {
	err := do(ctx)
	if err == nil {
		return nil
	}
	if skip != nil && skip(err) {
		return err
	}
	cmd.Compensate(err)
	return err
}

