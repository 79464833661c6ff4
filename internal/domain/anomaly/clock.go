package anomaly

import "time"

// Clock abstracts time so disposition transitions are testable
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock returns a fixed time that tests advance manually
type MockClock struct {
	CurrentTime time.Time
}

func (m *MockClock) Now() time.Time {
	return m.CurrentTime
}

func (m *MockClock) Advance(d time.Duration) {
	m.CurrentTime = m.CurrentTime.Add(d)
}

var clock Clock = RealClock{}

// SetClock swaps in an alternate clock, usually a MockClock
func SetClock(c Clock) {
	clock = c
}

// ResetClock restores the system clock
func ResetClock() {
	clock = RealClock{}
}
