package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream int64
	errorsSync   int64
	warnsStream  int64
	warnsSync    int64
	framesRead   int64
	resyncs      int64
	s3WritesBook int64
	channels     sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "ws") || strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "sync") {
		atomic.AddInt64(&warnsSync, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "ws") || strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "sync") {
		atomic.AddInt64(&errorsSync, 1)
	}
}

// IncrementFrameRead counts one websocket frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("ws_frames", size)
}

// IncrementResync counts one snapshot resync of an order book.
func IncrementResync() {
	atomic.AddInt64(&resyncs, 1)
}

func IncrementS3WriteBook(size int64) {
	atomic.AddInt64(&s3WritesBook, 1)
	recordChannel("s3_book_write", int(size))
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

// StartReport begins periodic logging of system and stream statistics.
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

func reportFields() Fields {
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

	return Fields{
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"errors_sync":    atomic.LoadInt64(&errorsSync),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"warns_sync":     atomic.LoadInt64(&warnsSync),
		"frames_read":    atomic.LoadInt64(&framesRead),
		"book_resyncs":   atomic.LoadInt64(&resyncs),
		"s3_writes_book": atomic.LoadInt64(&s3WritesBook),
		"goroutines":     runtime.NumGoroutine(),
		"channels":       channelData,
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()

	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsedMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil {
		memUsedMB = float64(memStats.Used) / 1024 / 1024
	}
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memUsedMB)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memUsedMB)},
		count("FramesReceived", "frames_read"),
		count("BookResyncs", "book_resyncs"),
		count("ErrorsStream", "errors_stream"),
		count("ErrorsSync", "errors_sync"),
		count("S3WritesBook", "s3_writes_book"),
	}

	publishMetrics(ctx, data)
}
