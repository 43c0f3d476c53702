package slave

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/spihd/hal"
)

type dirMetrics struct {
	submitted metrics.Counter
	completed metrics.Counter
	consumed  metrics.Counter
	overflows metrics.Counter
	timeouts  metrics.Counter
	bytes     metrics.Counter
}

func newDirMetrics(ch hal.Chan) *dirMetrics {
	name := func(n string) string {
		return fmt.Sprintf("slave.%s.%s", ch, n)
	}
	return &dirMetrics{
		submitted: metrics.GetOrRegisterCounter(name("submitted"), nil),
		completed: metrics.GetOrRegisterCounter(name("completed"), nil),
		consumed:  metrics.GetOrRegisterCounter(name("consumed"), nil),
		overflows: metrics.GetOrRegisterCounter(name("overflows"), nil),
		timeouts:  metrics.GetOrRegisterCounter(name("timeouts"), nil),
		bytes:     metrics.GetOrRegisterCounter(name("bytes"), nil),
	}
}
