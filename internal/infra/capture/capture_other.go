//go:build !linux

package capture

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/tutu-network/immunet/internal/domain"
)

// Live is unavailable on this platform.
type Live struct{}

// Open always fails outside Linux.
func Open(name string, _ uint16, _ bool, _ zerolog.Logger) (*Live, error) {
	return nil, fmt.Errorf("%w: %s on %s", domain.ErrUnsupportedPlatform, name, runtime.GOOS)
}

// Name returns an empty name.
func (*Live) Name() string { return "" }

// Run returns immediately.
func (*Live) Run(context.Context, Writer) error { return domain.ErrUnsupportedPlatform }

// Close is a no-op.
func (*Live) Close() error { return nil }
