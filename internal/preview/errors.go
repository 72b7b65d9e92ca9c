package preview

import (
	"errors"
	"fmt"
	"time"
)

var ErrBranchNotFound = errors.New("branch not found on remote")

// HealthCheckTimeoutError means the dev server never answered on its port
// within the deadline. The port is released but the process is left running
// so its logs stay inspectable.
type HealthCheckTimeoutError struct {
	Port   int
	Waited time.Duration
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("no response on port %d after %s", e.Port, e.Waited)
}
