package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_deliveries_total",
			Help: "Delivery lifecycle counter by outcome and lane",
		},
		[]string{"outcome", "lane"}, // sent|failed|skipped|gated , fresh|retry
	)

	ControlOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_control_ops_total",
			Help: "Control operations by kind and result",
		},
		[]string{"op", "result"}, // pause|resume|cancel|stop_all|retry|dlq , ok|rejected|error
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		DeliveriesTotal,
		ControlOpsTotal,
	)
}
