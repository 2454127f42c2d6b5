// Package journal persists fills as parquet files, locally and/or to
// S3. The journal is the durable trade record downstream tax-lot
// accounting consumes; losing an entry means losing a lot, so buffers
// are flushed on an interval and again on shutdown.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "gridflow/config"
	"gridflow/logger"
	"gridflow/models"
)

// fillRecord defines the parquet schema for one fill.
type fillRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID   string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Qty       float64 `parquet:"name=qty, type=DOUBLE"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter adapts a byte buffer to the parquet source interface so
// files are built in memory before hitting disk or S3.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Journal buffers fills and flushes them as parquet files on the
// configured interval.
type Journal struct {
	cfg      *appconfig.Config
	s3Client *s3.Client

	mu          sync.Mutex
	buffer      []fillRecord
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

// New initializes a journal; the S3 client is only built when the S3
// target is enabled.
func New(cfg *appconfig.Config) (*Journal, error) {
	log := logger.GetLogger()
	j := &Journal{cfg: cfg, wg: &sync.WaitGroup{}, log: log}

	if cfg.Journal.S3.Enabled {
		ctx := context.Background()
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Journal.S3.Region)}
		if cfg.Journal.S3.AccessKeyID != "" && cfg.Journal.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Journal.S3.AccessKeyID,
					cfg.Journal.S3.SecretAccessKey,
					"",
				)))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		j.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Journal.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Journal.S3.Endpoint)
			}
			o.UsePathStyle = cfg.Journal.S3.PathStyle
		})
	}
	return j, nil
}

// Start launches the flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("journal already running")
	}
	j.running = true
	j.ctx = ctx
	j.flushTicker = time.NewTicker(j.cfg.Journal.FlushInterval)
	j.mu.Unlock()

	j.wg.Add(1)
	go j.flushLoop()

	j.log.WithComponent("journal").Info("journal started")
	return nil
}

// Stop flushes remaining records and waits for the loop to exit.
func (j *Journal) Stop() {
	j.mu.Lock()
	j.running = false
	if j.flushTicker != nil {
		j.flushTicker.Stop()
	}
	j.mu.Unlock()
	j.wg.Wait()
	j.flush()
	j.log.WithComponent("journal").Info("journal stopped")
}

// RecordFill buffers one fill for the next flush.
func (j *Journal) RecordFill(ev models.FillEvent) {
	price, _ := ev.Price.Float64()
	qty, _ := ev.Qty.Float64()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec := fillRecord{
		Symbol:    ev.Symbol,
		OrderID:   ev.OrderID,
		Side:      string(ev.Side),
		Price:     price,
		Qty:       qty,
		Timestamp: ts.UnixMilli(),
	}
	j.mu.Lock()
	j.buffer = append(j.buffer, rec)
	j.mu.Unlock()
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush()
		}
	}
}

func (j *Journal) flush() {
	j.mu.Lock()
	records := j.buffer
	j.buffer = nil
	j.mu.Unlock()
	if len(records) == 0 {
		return
	}

	log := j.log.WithComponent("journal").WithFields(logger.Fields{"records": len(records)})

	data, err := encodeParquet(records)
	if err != nil {
		log.WithError(err).Error("failed to encode journal batch")
		return
	}

	name := fmt.Sprintf("fills-%s-%s.parquet",
		time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])

	if j.cfg.Journal.Dir != "" {
		if err := j.writeLocal(name, data); err != nil {
			log.WithError(err).Error("failed to write journal file")
		}
	}
	if j.s3Client != nil {
		if err := j.writeS3(name, data); err != nil {
			log.WithError(err).Error("failed to upload journal file")
		}
	}
	logger.IncrementJournalFlush(int64(len(data)))
	log.WithFields(logger.Fields{"file": name, "bytes": len(data)}).Info("journal batch flushed")
}

func encodeParquet(records []fillRecord) ([]byte, error) {
	mem := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mem, new(fillRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return mem.Bytes(), nil
}

func (j *Journal) writeLocal(name string, data []byte) error {
	if err := os.MkdirAll(j.cfg.Journal.Dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(j.cfg.Journal.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (j *Journal) writeS3(name string, data []byte) error {
	key := name
	if j.cfg.Journal.S3.Prefix != "" {
		key = j.cfg.Journal.S3.Prefix + "/" + name
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := j.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(j.cfg.Journal.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", j.cfg.Journal.S3.Bucket, key, err)
	}
	return nil
}
