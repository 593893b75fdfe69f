package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsStream int64
	errorsRest   int64
	warnsStream  int64
	warnsRest    int64
	restCalls    int64
	streamReads  int64
	staleDeltas  int64
	reconnects   int64
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "book") {
		atomic.AddInt64(&warnsStream, 1)
	} else {
		atomic.AddInt64(&warnsRest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "book") {
		atomic.AddInt64(&errorsStream, 1)
	} else {
		atomic.AddInt64(&errorsRest, 1)
	}
}

// IncrementRestCall counts one completed REST call attempt.
func IncrementRestCall() {
	atomic.AddInt64(&restCalls, 1)
}

// IncrementStreamRead counts one inbound streaming message.
func IncrementStreamRead() {
	atomic.AddInt64(&streamReads, 1)
}

// IncrementStaleDelta counts an order book delta dropped by the update-id check.
func IncrementStaleDelta() {
	atomic.AddInt64(&staleDeltas, 1)
}

// IncrementReconnect counts a streaming reconnect attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// StartReport begins periodic logging of system and runtime statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memUsedMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil && memStats != nil {
		memUsedMB = float64(memStats.Used) / 1024 / 1024
	}
	diskUsedMB := 0.0
	if diskStats, err := disk.Usage("/"); err == nil && diskStats != nil {
		diskUsedMB = float64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_stream": atomic.LoadInt64(&errorsStream),
		"errors_rest":   atomic.LoadInt64(&errorsRest),
		"warns_stream":  atomic.LoadInt64(&warnsStream),
		"warns_rest":    atomic.LoadInt64(&warnsRest),
		"rest_calls":    atomic.LoadInt64(&restCalls),
		"stream_reads":  atomic.LoadInt64(&streamReads),
		"stale_deltas":  atomic.LoadInt64(&staleDeltas),
		"reconnects":    atomic.LoadInt64(&reconnects),
		"goroutines":    runtime.NumGoroutine(),
		"cpu_percent":   cpuPct,
		"memory_mb":     int64(memUsedMB),
		"disk_mb":       int64(diskUsedMB),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memUsedMB)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(diskUsedMB)},
		{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStream)))},
		{MetricName: aws.String("ErrorsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsRest)))},
		{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsStream)))},
		{MetricName: aws.String("WarnsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsRest)))},
		{MetricName: aws.String("RestCalls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&restCalls)))},
		{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&streamReads)))},
		{MetricName: aws.String("StaleDeltas"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&staleDeltas)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
	}

	publishMetrics(ctx, data)
}
