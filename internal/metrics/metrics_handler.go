package metrics

import (
	"sync"
	"time"

	"cryptometrics/logger"
)

// Metric names emitted by the pipeline and collector.
const (
	MetricCycles           = "pipeline_cycles"
	MetricCycleDuration    = "cycle_duration_seconds"
	MetricRecords          = "records_normalized"
	MetricMalformedKeys    = "malformed_keys"
	MetricRowsAppended     = "rows_appended"
	MetricDuplicateAppends = "duplicate_appends"
	MetricRowsTrimmed      = "rows_trimmed"
	MetricAssetRank        = "asset_rank"
	MetricSnapshots        = "snapshots_collected"
)

// Metric is a structured metric event.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Type      string
	Fields    logger.Fields
}

// Label returns the string value of a field, or "".
func (m Metric) Label(name string) string {
	if v, ok := m.Fields[name].(string); ok {
		return v
	}
	return ""
}

// MetricHandler consumes emitted metrics.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler adds a handler that receives every emitted metric.
// A nil handler is ignored and yields the zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()
	nextMetricHandlerID++
	metricHandlers[nextMetricHandlerID] = handler
	return nextMetricHandlerID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// EmitMetric logs the metric at debug level and hands it to every handler.
// Type defaults to "counter".
func EmitMetric(log *logger.Log, component, name string, value float64, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := cloneFields(fields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	metricHandlersMu.RLock()
	handlers := make([]MetricHandler, 0, len(metricHandlers))
	for _, h := range metricHandlers {
		handlers = append(handlers, h)
	}
	metricHandlersMu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
