// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the instant test clocks start at.
var Epoch = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a fake clock set to Epoch.
//
// Tests advance it explicitly; nothing moves it on its own.
func NewClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
