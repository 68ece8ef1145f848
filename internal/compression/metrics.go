package compression

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "td_shipper_compression_pool_gets_total",
			Help: "Pool.Get() calls for gzip writers",
		}, func() float64 { return float64(compressionPoolGets.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "td_shipper_compression_pool_puts_total",
			Help: "Pool.Put() calls for gzip writers",
		}, func() float64 { return float64(compressionPoolPuts.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "td_shipper_compression_pool_discards_total",
			Help: "Gzip writers discarded after a write error",
		}, func() float64 { return float64(compressionPoolDiscards.Load()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "td_shipper_compression_pool_new_total",
			Help: "New gzip writers created (pool miss)",
		}, func() float64 { return float64(compressionPoolNews.Load()) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "td_shipper_compression_buffers_active",
			Help: "Compression buffers currently checked out from the pool",
		}, func() float64 { return float64(bufferActive.Load()) }),
	)
}
