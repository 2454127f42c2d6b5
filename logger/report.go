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
	errorsSession     int64
	errorsEngine      int64
	warnsSession      int64
	warnsEngine       int64
	commandsSent      int64
	fills             int64
	reconnectsPrivate int64
	reconnectsPublic  int64
	checksumFailures  int64
	stalePending      int64
	marketDataFrames  int64
	journalFlushes    int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "token") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "engine") || strings.Contains(component, "book") {
		atomic.AddInt64(&warnsEngine, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "token") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "engine") || strings.Contains(component, "book") {
		atomic.AddInt64(&errorsEngine, 1)
	}
}

// IncrementCommand counts an outbound order command by method name.
func IncrementCommand(method string) {
	atomic.AddInt64(&commandsSent, 1)
	recordChannel("cmd_"+method, 1)
}

// IncrementFill counts a completely filled order.
func IncrementFill() {
	atomic.AddInt64(&fills, 1)
}

// IncrementReconnect counts a reconnect attempt of the named session.
func IncrementReconnect(kind string) {
	if kind == "private" {
		atomic.AddInt64(&reconnectsPrivate, 1)
	} else {
		atomic.AddInt64(&reconnectsPublic, 1)
	}
}

// IncrementChecksumFailure counts a book checksum mismatch.
func IncrementChecksumFailure() {
	atomic.AddInt64(&checksumFailures, 1)
}

// IncrementStalePending counts a pending command that timed out and was
// forced toward cancellation.
func IncrementStalePending() {
	atomic.AddInt64(&stalePending, 1)
}

// IncrementMarketData counts an inbound market-data frame.
func IncrementMarketData(size int) {
	atomic.AddInt64(&marketDataFrames, 1)
	recordChannel("market_data", size)
}

// IncrementJournalFlush counts a flushed journal file.
func IncrementJournalFlush(size int64) {
	atomic.AddInt64(&journalFlushes, 1)
	recordChannel("journal_write", int(size))
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

// StartReport begins periodic logging of runtime and traffic statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
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
		"errors_session":     atomic.LoadInt64(&errorsSession),
		"errors_engine":      atomic.LoadInt64(&errorsEngine),
		"warns_session":      atomic.LoadInt64(&warnsSession),
		"warns_engine":       atomic.LoadInt64(&warnsEngine),
		"commands_sent":      atomic.LoadInt64(&commandsSent),
		"fills":              atomic.LoadInt64(&fills),
		"reconnects_private": atomic.LoadInt64(&reconnectsPrivate),
		"reconnects_public":  atomic.LoadInt64(&reconnectsPublic),
		"checksum_failures":  atomic.LoadInt64(&checksumFailures),
		"stale_pending":      atomic.LoadInt64(&stalePending),
		"market_data_frames": atomic.LoadInt64(&marketDataFrames),
		"journal_flushes":    atomic.LoadInt64(&journalFlushes),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"channels":           channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("CommandsSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["commands_sent"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Fills"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fills"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ReconnectsPrivate"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects_private"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ReconnectsPublic"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects_public"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ChecksumFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["checksum_failures"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StalePending"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stale_pending"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("JournalFlushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["journal_flushes"].(int64)))},
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
