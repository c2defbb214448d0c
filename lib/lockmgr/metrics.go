package lockmgr

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/VictoriaMetrics/metrics"
)

const (
	resultAcquired = "acquired"
	resultTimeout  = "timeout"
	resultCanceled = "canceled"
	resultError    = "error"
	resultOK       = "ok"
	resultNotOwner = "not_owner"
	resultNotFound = "not_found"
)

// metricSet holds all lockmgr metrics, separate from the default set of the process
var metricSet = metrics.NewSet()

var acquireDuration = metricSet.NewHistogram("dlease_acquire_duration_seconds")

func counter(op, result string) *metrics.Counter {
	return metricSet.GetOrCreateCounter(fmt.Sprintf(`dlease_%s_total{result=%q}`, op, result))
}

func (m *lockMgrImpl) observeAcquire(result string, start time.Time) {
	if !m.metrics {
		return
	}
	counter("acquire", result).Inc()
	acquireDuration.UpdateDuration(start)
}

// observe counts the outcome of a renew or release
func (m *lockMgrImpl) observe(op string, err error) {
	if !m.metrics {
		return
	}
	result := resultOK
	switch {
	case err == nil:
	case errors.Is(err, lockstore.ErrNotOwner):
		result = resultNotOwner
	case errors.Is(err, lockstore.ErrNotFound):
		result = resultNotFound
	default:
		result = resultError
	}
	counter(op, result).Inc()
}

// WritePrometheus writes all lock manager metrics in the prometheus text format.
func WritePrometheus(w io.Writer) {
	metricSet.WritePrometheus(w)
}
