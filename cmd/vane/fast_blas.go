//go:build cgo

package main

// Included only when cgo is enabled. Registers the netlib BLAS
// implementation which uses system BLAS (Accelerate on macOS, OpenBLAS on
// Linux) for the float64 paths; the float32 kernels register theirs in
// internal/device.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("⚡ CGO/BLAS Acceleration Enabled (netlib)")
}
