package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_receiver_errors_total",
		Help: "Total receiver errors by source and type",
	}, []string{"source", "type"})

	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_receiver_requests_total",
		Help: "Total requests or messages received by source",
	}, []string{"source"})

	receiverRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_receiver_records_total",
		Help: "Total records accepted by source",
	}, []string{"source"})
)

const (
	sourceHTTP  = "http"
	sourceRedis = "redis"
)

func init() {
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverRecordsTotal)

	for _, source := range []string{sourceHTTP, sourceRedis} {
		receiverRequestsTotal.WithLabelValues(source).Add(0)
		receiverRecordsTotal.WithLabelValues(source).Add(0)
		for _, typ := range []string{"read", "decode", "invalid", "rejected"} {
			receiverErrorsTotal.WithLabelValues(source, typ).Add(0)
		}
	}
}

func incError(source, typ string) {
	receiverErrorsTotal.WithLabelValues(source, typ).Inc()
}
