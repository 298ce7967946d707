package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dpas/internal/services"
)

type outcome struct {
	dets []Detection
	err  error
}

// abandonedError marks a capability call that was still running when Invoke
// gave up on it. done closes once that call returns.
type abandonedError struct {
	done <-chan struct{}
}

func (e *abandonedError) Error() string { return "capability call abandoned" }

// Abandoned reports whether err came from an Invoke that returned before the
// capability did. The channel closes when the capability call finishes; until
// then the capability must not be reused or closed.
func Abandoned(err error) (<-chan struct{}, bool) {
	var abandoned *abandonedError
	if errors.As(err, &abandoned) {
		return abandoned.done, true
	}
	return nil, false
}

// Invoke runs c on img under an optional inference deadline. Panics and
// errors from the capability come back as ErrCapability; an expired deadline
// comes back as ErrTimeout whether or not the capability honours ctx.
func Invoke(ctx context.Context, c Capability, img Image, timeout time.Duration) ([]Detection, error) {
	if c == nil {
		return nil, services.Wrap(services.ErrCapability, "detection", "detect", "no capability loaded", nil)
	}
	detectCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		detectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := make(chan outcome, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result <- call(detectCtx, c, img)
	}()

	select {
	case out := <-result:
		if out.err == nil {
			return out.dets, nil
		}
		if timedOut(ctx, detectCtx) {
			return nil, timeoutError(timeout, out.err)
		}
		return nil, services.Wrap(services.ErrCapability, "detection", "detect", "capability failed", out.err)
	case <-detectCtx.Done():
		select {
		case out := <-result:
			if out.err == nil && !timedOut(ctx, detectCtx) {
				return out.dets, nil
			}
		default:
		}
		abandoned := &abandonedError{done: done}
		if timedOut(ctx, detectCtx) {
			return nil, timeoutError(timeout, abandoned)
		}
		return nil, services.Wrap(services.ErrCapability, "detection", "detect", "cancelled during inference",
			errors.Join(ctx.Err(), abandoned))
	}
}

func call(ctx context.Context, c Capability, img Image) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("capability panicked: %v", r)}
		}
	}()
	dets, err := c.Detect(ctx, img)
	return outcome{dets: dets, err: err}
}

func timedOut(parent, detectCtx context.Context) bool {
	return errors.Is(detectCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func timeoutError(timeout time.Duration, cause error) error {
	return services.Wrap(services.ErrTimeout, "detection", "detect",
		fmt.Sprintf("inference exceeded %s", timeout), cause)
}
