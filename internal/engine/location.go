package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"presencewatch/internal/model"
)

const DefaultLocationTimeout = 10 * time.Second

// Locator produces the actor's current position. Implementations may block
// until a fix is available; they must honour ctx.
type Locator interface {
	Locate(ctx context.Context) (model.Coordinates, error)
}

type LocatorFunc func(ctx context.Context) (model.Coordinates, error)

func (f LocatorFunc) Locate(ctx context.Context) (model.Coordinates, error) {
	return f(ctx)
}

// FixedLocator returns a position already reported by the device. A nil
// position means the device could not provide one.
type FixedLocator struct {
	Position *model.Coordinates
}

func (l FixedLocator) Locate(context.Context) (model.Coordinates, error) {
	if l.Position == nil {
		return model.Coordinates{}, ErrLocationUnavailable
	}
	return *l.Position, nil
}

// AcquireLocation runs loc with a bounded timeout. Every failure, including
// the timeout and cancellation of ctx, is reported as ErrLocationUnavailable.
func AcquireLocation(ctx context.Context, loc Locator, timeout time.Duration) (model.Coordinates, error) {
	if loc == nil {
		return model.Coordinates{}, ErrLocationUnavailable
	}
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fix struct {
		pos model.Coordinates
		err error
	}
	done := make(chan fix, 1)
	go func() {
		pos, err := loc.Locate(ctx)
		done <- fix{pos: pos, err: err}
	}()

	select {
	case f := <-done:
		if f.err != nil {
			if errors.Is(f.err, ErrLocationUnavailable) {
				return model.Coordinates{}, f.err
			}
			return model.Coordinates{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, f.err)
		}
		if !validCoordinates(f.pos) {
			return model.Coordinates{}, fmt.Errorf("%w: coordinates out of range", ErrLocationUnavailable)
		}
		return f.pos, nil
	case <-ctx.Done():
		return model.Coordinates{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
	}
}

func validCoordinates(c model.Coordinates) bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}
