//go:build !linux

package kprobe

import (
	"context"

	"github.com/adelmonte/hdas/pkg/config"
)

type stubManager struct{}

// NewManager reports unsupported platforms when the kernel probe is
// unavailable (this program requires Linux tracepoints).
func NewManager(_ *config.ProbeConfig) (Manager, error) {
	return nil, ErrUnsupported
}

func (stubManager) Start(context.Context) error { return ErrUnsupported }
func (stubManager) Close() error                { return nil }
func (stubManager) Events() <-chan Event        { return nil }
func (stubManager) LostEvents() uint64          { return 0 }
