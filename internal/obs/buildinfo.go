package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 labelled with build metadata.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Ledgerlink build information.",
		},
		[]string{"version", "commit", "component"},
	)
)

// InitBuildInfo registers build_info once and sets it for the running binary.
func InitBuildInfo(component, version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, component).Set(1)
}
