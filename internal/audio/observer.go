package audio

import "time"

// Observer receives diagnostics from a session. Implementations must not
// block: PeriodExchanged runs inside the real-time exchange path.
type Observer interface {
	StateChanged(dir Direction, from, to State)
	PeriodExchanged(dir Direction, frames int, elapsed time.Duration)
	TransientError(dir Direction, op string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(Direction, State, State) {}
func (nopObserver) PeriodExchanged(Direction, int, time.Duration) {}
func (nopObserver) TransientError(Direction, string) {}
