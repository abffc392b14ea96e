//go:build accelerate

package main

import (
	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Builds with `-tags accelerate` link against a system BLAS for the
// dense math. Falls back to the pure-Go path on CPUs without AVX2,
// where the cgo crossing costs more than it saves.
func init() {
	if cpuid.CPU.Supports(cpuid.AVX2) {
		blas64.Use(netlib.Implementation{})
	}
}
