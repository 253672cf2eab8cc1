package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sboxd_kernel_up",
		Help: "1 while the kernel is running.",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sboxd_kernel_transitions_total",
		Help: "Kernel state transitions by target state.",
	}, []string{"state"})

	crashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sboxd_kernel_crashes_total",
		Help: "Unexpected kernel exits.",
	})
)

func observeTransition(st Status) {
	transitionsTotal.WithLabelValues(string(st.State)).Inc()
	if st.State == StateRunning {
		kernelUp.Set(1)
	} else {
		kernelUp.Set(0)
	}
}
