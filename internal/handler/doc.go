// Package handler holds the explicit registry of state transitions.
//
// A transition is a pure function from (prior state, effect) to (next state,
// derived effects, result). The registry binds semver-versioned transitions
// to scopes; every applied effect records the name@version it went through,
// and replay resolves that exact version again.
package handler
