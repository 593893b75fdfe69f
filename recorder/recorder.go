package recorder

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
	"github.com/xitongsys/parquet-go/writer"

	appconfig "venueflow/config"
	"venueflow/internal/book"
	"venueflow/logger"
	"venueflow/models"
)

// ParquetRecord is the on-disk row shape: one order book level per row.
type ParquetRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	LastUpdateID int64   `parquet:"name=last_update_id, type=INT64"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Quantity     float64 `parquet:"name=quantity, type=DOUBLE"`
	Level        int32   `parquet:"name=level, type=INT32"`
}

// memoryFileWriter adapts a bytes.Buffer to the parquet file interface so
// files are encoded fully in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// uploader stores one encoded file under a key.
type uploader interface {
	Put(ctx context.Context, key string, data []byte) error
}

type s3Uploader struct {
	client *s3.Client
	cfg    appconfig.S3Config
}

func (u *s3Uploader) Put(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
		},
	})
	return err
}

// Recorder periodically captures the top levels of every maintained book
// and ships them to S3 as parquet batches. Telemetry only: the books are
// never blocked on an upload.
type Recorder struct {
	config *appconfig.Config
	books  []*book.Book
	store  uploader

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	rows    []models.BookRow
	log     *logger.Log
}

// NewRecorder builds a recorder backed by S3, taking credentials from
// config or the AWS environment.
func NewRecorder(cfg *appconfig.Config, books []*book.Book) (*Recorder, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("recorder").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("recorder initialized")

	return newRecorder(cfg, books, &s3Uploader{client: s3Client, cfg: cfg.Storage.S3}), nil
}

func newRecorder(cfg *appconfig.Config, books []*book.Book, store uploader) *Recorder {
	return &Recorder{
		config: cfg,
		books:  books,
		store:  store,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Start launches the capture and flush loops.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"books":          len(r.books),
		"interval":       r.config.Recorder.Interval,
		"flush_interval": r.config.Recorder.FlushInterval,
	}).Info("starting recorder")

	r.wg.Add(1)
	go r.captureWorker()
	r.wg.Add(1)
	go r.flushWorker()

	log.Info("recorder started successfully")
	return nil
}

// Stop waits for the loops to end. The flush worker performs a final
// flush on context cancellation.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("recorder").Info("stopping recorder")
	r.wg.Wait()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) captureWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Recorder.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.capture()
		}
	}
}

// capture samples the top levels of every book into flattened rows.
func (r *Recorder) capture() {
	now := time.Now().UTC()
	var rows []models.BookRow
	for _, b := range r.books {
		bids, asks := b.TopLevels(r.config.Recorder.TopLevels)
		updateID := b.LastUpdateID()
		if updateID == 0 {
			continue
		}
		for i, lvl := range bids {
			rows = append(rows, models.BookRow{
				Exchange:  b.Exchange(),
				Symbol:    b.Symbol(),
				Timestamp: now.UnixMilli(),
				UpdateID:  updateID,
				Side:      "bid",
				Price:     lvl.Price,
				Quantity:  lvl.Quantity,
				Level:     i + 1,
			})
		}
		for i, lvl := range asks {
			rows = append(rows, models.BookRow{
				Exchange:  b.Exchange(),
				Symbol:    b.Symbol(),
				Timestamp: now.UnixMilli(),
				UpdateID:  updateID,
				Side:      "ask",
				Price:     lvl.Price,
				Quantity:  lvl.Quantity,
				Level:     i + 1,
			})
		}
	}
	if len(rows) == 0 {
		return
	}

	r.mu.Lock()
	r.rows = append(r.rows, rows...)
	full := r.config.Recorder.BatchSize > 0 && len(r.rows) >= r.config.Recorder.BatchSize
	r.mu.Unlock()

	if full {
		r.flush("batch_size")
	}
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Recorder.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.flush("shutdown")
			return
		case <-ticker.C:
			r.flush("interval")
		}
	}
}

func (r *Recorder) flush(reason string) {
	r.mu.Lock()
	rows := r.rows
	r.rows = nil
	r.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	batchID := uuid.New().String()
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"batch_id": batchID,
		"rows":     len(rows),
		"reason":   reason,
	})

	data, err := r.createParquetFile(rows)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := r.objectKey(rows[0], batchID, time.Now().UTC())
	ctx := context.WithoutCancel(r.ctx)
	if err := r.store.Put(ctx, key, data); err != nil {
		log.WithError(err).WithField("key", key).Error("failed to upload batch")
		return
	}

	log.WithFields(logger.Fields{
		"key":       key,
		"file_size": len(data),
	}).Info("batch uploaded")
}

func (r *Recorder) objectKey(first models.BookRow, batchID string, ts time.Time) string {
	timePath := fmt.Sprintf("year=%04d/month=%02d/day=%02d/hour=%02d",
		ts.Year(), ts.Month(), ts.Day(), ts.Hour())
	filename := fmt.Sprintf("%s_book_%s.parquet", first.Exchange, batchID)
	return path.Join(
		r.config.Storage.S3.Prefix,
		fmt.Sprintf("exchange=%s", first.Exchange),
		timePath,
		filename,
	)
}

func (r *Recorder) createParquetFile(rows []models.BookRow) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch r.config.Recorder.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		record := ParquetRecord{
			Exchange:     row.Exchange,
			Symbol:       row.Symbol,
			Timestamp:    row.Timestamp,
			LastUpdateID: row.UpdateID,
			Side:         row.Side,
			Price:        row.Price,
			Quantity:     row.Quantity,
			Level:        int32(row.Level),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
