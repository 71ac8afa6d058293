package metrics

import (
	"io"
	"sort"
	"strings"

	vm "github.com/VictoriaMetrics/metrics"
)

// Collector captures counters and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta int)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Registry is a Collector backed by a VictoriaMetrics set. Each node owns
// one, so several nodes in a test process do not share series.
type Registry struct {
	set *vm.Set
}

func NewRegistry() *Registry {
	return &Registry{set: vm.NewSet()}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta int) {
	r.set.GetOrCreateCounter(seriesName(name, labels)).Add(delta)
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.set.GetOrCreateHistogram(seriesName(name, labels)).Update(value)
}

// WritePrometheus writes all series in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.set.WritePrometheus(w)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, int)           {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// seriesName renders name{k="v",...} with labels sorted for a stable identity.
func seriesName(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(labelEscaper.Replace(labels[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}
