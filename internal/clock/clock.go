package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for scheduler and state-store logic so tests
// can drive window boundaries deterministically.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
