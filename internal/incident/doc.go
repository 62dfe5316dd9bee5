// Package incident defines warden's domain model: the immutable Alert that
// starts a response, the Incident aggregate that tracks it, the Phase state
// machine that governs its lifecycle, and the error taxonomy shared by the
// orchestration packages.
package incident
