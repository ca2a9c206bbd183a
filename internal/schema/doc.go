// Package schema validates payloads against CUE constraints.
//
// The built-in definitions in payload.cue tighten the structural checks of
// package ir: positive amounts for value-moving effects, a destination for
// transfers, well-formed handler versions, and a subject and error kind on
// Failure events. Programs may add per-kind argument constraints, either
// registered directly or loaded from a CUE package directory.
package schema
