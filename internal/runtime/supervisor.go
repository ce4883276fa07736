package runtime

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
)

// RunLoops runs every loop in its own goroutine and waits for all of them.
// The first loop to exit cancels the others. A plain shutdown returns an
// error wrapping ErrLoopStopped; a lost connection wins over that so callers
// can tell the two apart.
func RunLoops(ctx context.Context, loops ...*Loop) error {
	if len(loops) == 0 {
		<-ctx.Done()
		return errors.Join(errspkg.ErrLoopStopped, ctx.Err())
	}

	g, gctx := errgroup.WithContext(ctx)
	errs := make([]error, len(loops))
	for i, loop := range loops {
		g.Go(func() error {
			errs[i] = loop.Run(gctx)
			return errs[i]
		})
	}
	first := g.Wait()

	for _, err := range errs {
		if errors.Is(err, errspkg.ErrConnectionLost) {
			return err
		}
	}
	return first
}
