// Package status publishes key/value status updates from the network and
// mining subsystems to the outside world.
package status

import (
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Well-known status keys.
const (
	KeyNetworkStatus   = "network.status"
	KeyTCPConnections  = "network.tcp_connections"
	KeyHashesPerSecond = "mining.hashes_per_second"
	KeyMiningPoW       = "mining.pow_state"
	KeyMiningPoS       = "mining.pos_state"
)

// Network status labels.
const (
	NetworkConnected  = "Connected"
	NetworkConnecting = "Connecting"
)

// Sink receives status updates. Publish must not block for long.
type Sink interface {
	Publish(values map[string]string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(values map[string]string)

// Publish calls f(values).
func (f SinkFunc) Publish(values map[string]string) { f(values) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(map[string]string) {})

// Multi fans updates out to several sinks.
type Multi []Sink

// Publish forwards values to every sink in order.
func (m Multi) Publish(values map[string]string) {
	for _, s := range m {
		if s != nil {
			s.Publish(values)
		}
	}
}

// LogSink writes updates to a zerolog logger at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

// Publish logs the values in key order.
func (s LogSink) Publish(values map[string]string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ev := s.Logger.Debug()
	for _, k := range keys {
		ev = ev.Str(k, values[k])
	}
	ev.Msg("Status update")
}

// PrometheusSink exports updates as gauges. Numeric values are set on
// klingnet_status_value{key}; other values set klingnet_status_info{key,value}
// to 1, with the previous value of the key removed.
type PrometheusSink struct {
	values *prometheus.GaugeVec
	info   *prometheus.GaugeVec

	mu   sync.Mutex
	last map[string]string
}

// NewPrometheusSink creates the gauges and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "klingnet",
			Name:      "status_value",
			Help:      "Numeric node status values by key.",
		}, []string{"key"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "klingnet",
			Name:      "status_info",
			Help:      "Textual node status values; the current value has gauge 1.",
		}, []string{"key", "value"}),
		last: make(map[string]string),
	}
	if err := reg.Register(s.values); err != nil {
		return nil, err
	}
	if err := reg.Register(s.info); err != nil {
		reg.Unregister(s.values)
		return nil, err
	}
	return s, nil
}

// Publish updates the gauges for every key in values.
func (s *PrometheusSink) Publish(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.values.WithLabelValues(k).Set(f)
			continue
		}
		if prev, ok := s.last[k]; ok && prev != v {
			s.info.DeleteLabelValues(k, prev)
		}
		s.info.WithLabelValues(k, v).Set(1)
		s.last[k] = v
	}
}
