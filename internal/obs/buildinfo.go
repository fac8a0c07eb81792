package obs

import (
	"runtime"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "build_info",
	Help:      "Constant 1, labelled with the running build.",
}, []string{"version", "commit", "goversion"})

// InitBuildInfo publishes build_info. An empty commit falls back to the VCS
// revision stamped by the Go toolchain.
func InitBuildInfo(version, commit string) {
	Init()
	if commit == "" {
		commit = vcsRevision()
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return "unknown"
}
