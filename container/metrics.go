package container

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespaceVFIO = "govfio"

var (
	dmaMapTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceVFIO,
		Name:      "dma_map_total",
		Help:      "DMA map and copy requests issued to the host IOMMU.",
	},
		[]string{"result"},
	)

	dmaUnmapTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceVFIO,
		Name:      "dma_unmap_total",
		Help:      "DMA unmap requests issued to the host IOMMU.",
	},
		[]string{"result"},
	)

	containersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceVFIO,
		Name:      "containers",
		Help:      "Live VFIO containers.",
	})

	hwptsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceVFIO,
		Name:      "hwpts",
		Help:      "Live hardware page tables.",
	})

	devicesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceVFIO,
		Name:      "devices",
		Help:      "Attached VFIO devices.",
	})

	dirtyPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceVFIO,
		Name:      "dirty_pages_total",
		Help:      "Pages reported dirty by device or IOMMU dirty tracking.",
	})

	attachDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespaceVFIO,
		Name:      "attach_duration_seconds",
		Help:      "Time spent attaching a device to a container.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	},
		[]string{"kind"},
	)
)

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}

// RegisterMetrics adds the collectors of this package to r. Collectors
// already registered with r are skipped.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		dmaMapTotal,
		dmaUnmapTotal,
		containersGauge,
		hwptsGauge,
		devicesGauge,
		dirtyPagesTotal,
		attachDuration,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}

			return err
		}
	}

	return nil
}
