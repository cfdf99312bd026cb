package orchestrator

import "fmt"

// TeardownWarning records a single teardown step that failed. Warnings are
// logged and surfaced on the run outcome but never abort teardown.
type TeardownWarning struct {
	Step string
	Err  error
}

func (w TeardownWarning) Error() string {
	return fmt.Sprintf("teardown step %q: %v", w.Step, w.Err)
}

func (w TeardownWarning) Unwrap() error {
	return w.Err
}
