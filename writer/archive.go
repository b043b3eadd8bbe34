package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"bookstream/aggregator"
	appconfig "bookstream/config"
	"bookstream/internal/bus"
	"bookstream/internal/metadata"
	"bookstream/internal/metrics"
	"bookstream/logger"
	"bookstream/models"
)

// ArchiveRecord is one ranked level of one summary.
type ArchiveRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     int32   `parquet:"name=level, type=INT32"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Amount    float64 `parquet:"name=amount, type=DOUBLE"`
	Spread    float64 `parquet:"name=spread, type=DOUBLE"`
}

// memoryFile is a write-only source.ParquetFile backed by a buffer.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }

// Seek only reports the current size; the writer never rewinds.
func (m *memoryFile) Seek(int64, int) (int64, error) { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)     { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)    { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                   { return nil }

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveRelay is a bus subscriber that buffers ranked summaries and
// uploads them to S3 as parquet files every flush interval.
type ArchiveRelay struct {
	config  *appconfig.Config
	bus     *bus.Bus
	client  objectPutter
	session *aggregator.Session
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	buffer  []ArchiveRecord
	meta    *metadata.Generator
	now     func() time.Time
	log     *logger.Log
}

func NewArchiveRelay(ctx context.Context, cfg *appconfig.Config, b *bus.Bus) (*ArchiveRelay, error) {
	ac := cfg.Archive
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if ac.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(ac.Region))
	}
	if ac.AccessKeyID != "" && ac.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
		o.UsePathStyle = ac.PathStyle
	})

	ar := newArchiveRelay(cfg, b, client)
	ar.log.WithComponent("archive_relay").WithFields(logger.Fields{
		"bucket":     ac.Bucket,
		"prefix":     ac.Prefix,
		"region":     ac.Region,
		"endpoint":   ac.Endpoint,
		"path_style": ac.PathStyle,
	}).Info("archive relay initialized")
	return ar, nil
}

func newArchiveRelay(cfg *appconfig.Config, b *bus.Bus, client objectPutter) *ArchiveRelay {
	ar := &ArchiveRelay{
		config: cfg,
		bus:    b,
		client: client,
		wg:     &sync.WaitGroup{},
		now:    time.Now,
		log:    logger.GetLogger(),
	}
	ar.meta = metadata.NewGenerator("s3://"+path.Join(cfg.Archive.Bucket, ar.tableRoot()), 0)
	return ar
}

// tableRoot is the key prefix shared by every file of the symbol.
func (ar *ArchiveRelay) tableRoot() string {
	return path.Join(ar.config.Archive.Prefix, "symbol="+ar.config.Source.Symbol)
}

func (ar *ArchiveRelay) Start(ctx context.Context) error {
	ar.mu.Lock()
	if ar.running {
		ar.mu.Unlock()
		return fmt.Errorf("archive relay already running")
	}
	sub, err := ar.bus.Subscribe()
	if err != nil {
		ar.mu.Unlock()
		return fmt.Errorf("subscribe archive relay: %w", err)
	}
	ar.session = aggregator.NewSession(sub, ar, aggregator.SessionOptions{
		Depth: ar.config.Aggregator.Depth,
		Kind:  "archive",
	})
	ar.running = true
	ar.mu.Unlock()

	log := ar.log.WithComponent("archive_relay").WithField("session_id", ar.session.ID().String())
	log.WithField("flush_interval", ar.config.Archive.FlushInterval.String()).Info("starting archive relay")

	sessionDone := make(chan struct{})
	ar.wg.Add(2)
	go func() {
		defer ar.wg.Done()
		defer close(sessionDone)
		if err := ar.session.Run(ctx); err != nil {
			log.WithError(err).Error("archive relay session ended")
		}
	}()
	go ar.flushWorker(ctx, sessionDone)
	return nil
}

func (ar *ArchiveRelay) flushWorker(ctx context.Context, sessionDone <-chan struct{}) {
	defer ar.wg.Done()

	ticker := time.NewTicker(ar.config.Archive.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionDone:
			return
		case <-ticker.C:
			ar.flush(ctx, "interval")
		}
	}
}

// Send implements aggregator.Sink by buffering one row per ranked level.
func (ar *ArchiveRelay) Send(_ context.Context, sum models.Summary) error {
	ts := ar.now().UnixMilli()
	symbol := ar.config.Source.Symbol

	rows := make([]ArchiveRecord, 0, len(sum.Asks)+len(sum.Bids))
	appendSide := func(side string, levels []models.RankedLevel) {
		for i, l := range levels {
			rows = append(rows, ArchiveRecord{
				Symbol:    symbol,
				Timestamp: ts,
				Exchange:  l.Source.String(),
				Side:      side,
				Level:     int32(i + 1),
				Price:     l.Price,
				Amount:    l.Quantity,
				Spread:    sum.Spread,
			})
		}
	}
	appendSide("ask", sum.Asks)
	appendSide("bid", sum.Bids)

	ar.mu.Lock()
	ar.buffer = append(ar.buffer, rows...)
	ar.mu.Unlock()
	return nil
}

func (ar *ArchiveRelay) pending() int {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return len(ar.buffer)
}

func (ar *ArchiveRelay) flush(ctx context.Context, reason string) {
	ar.mu.Lock()
	rows := ar.buffer
	ar.buffer = nil
	ar.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	flushedAt := ar.now()
	key := ar.objectKey(flushedAt)
	log := ar.log.WithComponent("archive_relay").WithFields(logger.Fields{
		"reason": reason,
		"rows":   len(rows),
		"s3_key": key,
	})

	start := time.Now()
	data, err := encodeParquet(rows, ar.config.Archive.Compression)
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	ctx = context.WithoutCancel(ctx)
	_, err = ar.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ar.config.Archive.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        ar.config.Archive.Compression,
			"bookstream-version": ar.config.Bookstream.Version,
		},
	})
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		log.WithError(err).WithEnv(appconfig.EnvS3Bucket).Error("failed to upload archive to S3")
		return
	}

	metrics.ArchiveUploads.WithLabelValues("ok").Inc()
	metrics.ArchiveRows.Add(float64(len(rows)))
	logger.LogPerformanceEntry(log, "archive_relay", "upload", time.Since(start), logger.Fields{
		"file_size": len(data),
	})

	doc, err := ar.meta.AddFile(metadata.DataFile{
		Path:        "s3://" + path.Join(ar.config.Archive.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(rows)),
		Partition: map[string]string{
			"symbol": ar.config.Source.Symbol,
			"date":   flushedAt.UTC().Format("2006-01-02"),
		},
		Timestamp: flushedAt,
	})
	if err != nil {
		log.WithError(err).Warn("failed to update archive metadata")
		return
	}
	_, err = ar.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ar.config.Archive.Bucket),
		Key:         aws.String(ar.metadataKey()),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.WithError(err).Warn("failed to upload archive metadata")
	}
}

func (ar *ArchiveRelay) metadataKey() string {
	return path.Join(ar.tableRoot(), "metadata", "metadata.json")
}

// objectKey lays files out as <prefix>/symbol=<s>/year=/month=/day=/hour=/<ts>_<id>.parquet.
func (ar *ArchiveRelay) objectKey(t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("%s_%s.parquet", t.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		ar.tableRoot(),
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", t.Month()),
		fmt.Sprintf("day=%02d", t.Day()),
		fmt.Sprintf("hour=%02d", t.Hour()),
		name,
	)
}

func encodeParquet(rows []ArchiveRecord, compression string) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := pqwriter.NewParquetWriter(fw, new(ArchiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.buffer.Bytes(), nil
}

// Stop waits for the session, which ends when the Start context is
// cancelled or the bus closes, then uploads whatever is still buffered.
func (ar *ArchiveRelay) Stop() {
	ar.mu.Lock()
	ar.running = false
	ar.mu.Unlock()

	ar.log.WithComponent("archive_relay").Info("stopping archive relay")
	ar.wg.Wait()
	ar.flush(context.Background(), "shutdown")
	ar.log.WithComponent("archive_relay").Info("archive relay stopped")
}
