package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsValidator    int64
	errorsAggregator   int64
	errorsWriter       int64
	warnsValidator     int64
	warnsAggregator    int64
	warnsWriter        int64
	recordsValidated   int64
	recordsQuarantined int64
	windowsClosed      int64
	complianceEvents   int64
	storeWrites        int64
	channels           sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "validator"):
		atomic.AddInt64(&warnsValidator, 1)
	case strings.Contains(component, "aggregator"):
		atomic.AddInt64(&warnsAggregator, 1)
	case strings.Contains(component, "writer"), strings.Contains(component, "store"):
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "validator"):
		atomic.AddInt64(&errorsValidator, 1)
	case strings.Contains(component, "aggregator"):
		atomic.AddInt64(&errorsAggregator, 1)
	case strings.Contains(component, "writer"), strings.Contains(component, "store"):
		atomic.AddInt64(&errorsWriter, 1)
	}
}

// IncrementValidated counts records accepted by the ingestion validator.
func IncrementValidated(size int) {
	atomic.AddInt64(&recordsValidated, 1)
	recordChannel("valid", size)
}

// IncrementQuarantined counts records routed to the dead-letter sink.
func IncrementQuarantined(size int) {
	atomic.AddInt64(&recordsQuarantined, 1)
	recordChannel("quarantine", size)
}

// IncrementWindowClosed counts aggregation windows flushed to metrics.
func IncrementWindowClosed() {
	atomic.AddInt64(&windowsClosed, 1)
}

// IncrementComplianceEvent counts compliance state transitions.
func IncrementComplianceEvent() {
	atomic.AddInt64(&complianceEvents, 1)
}

// IncrementStoreWrite counts successful persistence upserts.
func IncrementStoreWrite(size int) {
	atomic.AddInt64(&storeWrites, 1)
	recordChannel("store_write", size)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_validator":    atomic.LoadInt64(&errorsValidator),
		"errors_aggregator":   atomic.LoadInt64(&errorsAggregator),
		"errors_writer":       atomic.LoadInt64(&errorsWriter),
		"warns_validator":     atomic.LoadInt64(&warnsValidator),
		"warns_aggregator":    atomic.LoadInt64(&warnsAggregator),
		"warns_writer":        atomic.LoadInt64(&warnsWriter),
		"records_validated":   atomic.LoadInt64(&recordsValidated),
		"records_quarantined": atomic.LoadInt64(&recordsQuarantined),
		"windows_closed":      atomic.LoadInt64(&windowsClosed),
		"compliance_events":   atomic.LoadInt64(&complianceEvents),
		"store_writes":        atomic.LoadInt64(&storeWrites),
		"goroutines":          runtime.NumGoroutine(),
		"cpu_percent":         cpuPct,
		"memory_mb":           int64(memStats.Used) / 1024 / 1024,
		"disk_mb":             int64(diskStats.Used) / 1024 / 1024,
		"channels":            channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("RecordsValidated"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&recordsValidated)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecordsQuarantined"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&recordsQuarantined)))},
		cwtypes.MetricDatum{MetricName: aws.String("WindowsClosed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&windowsClosed)))},
		cwtypes.MetricDatum{MetricName: aws.String("ComplianceEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&complianceEvents)))},
		cwtypes.MetricDatum{MetricName: aws.String("StoreWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&storeWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsValidator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsValidator)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsAggregator"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsAggregator)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsWriter)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
