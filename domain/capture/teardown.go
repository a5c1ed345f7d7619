package capture

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/soocke/livecap-go/domain/fault"
)

type teardownStep struct {
	name string
	run  func() error
}

// runTeardown executes every step in order regardless of earlier failures.
// Failed steps are logged and returned together as TeardownStepFailed errors.
func runTeardown(logger *slog.Logger, steps []teardownStep) error {
	var errs []error
	for _, st := range steps {
		err := runStep(st.run)
		if err == nil {
			continue
		}
		logger.Warn("teardown step failed", "step", st.name, "error", err)
		errs = append(errs, fault.Wrap(err, fault.TeardownStepFailed, st.name))
	}
	return errors.Join(errs...)
}

func runStep(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
