package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/bitquery-stream/internal/stream"
	"github.com/rickgao/bitquery-stream/internal/transport"
)

// Config holds batch writer settings.
type Config struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns the default writer settings.
func DefaultConfig() Config {
	return Config{
		Table:         "token_ticks",
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics tracks writer activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// BatchSender sends a queued pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TokenWriter consumes deliveries and writes them to the token ticks table.
type TokenWriter struct {
	cfg    Config
	logger *slog.Logger
	insert string

	// Input from supervisors
	input *Buffer[tickRow]

	// Database
	db BatchSender

	// Batching
	batch       []tickRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics Metrics
}

var _ stream.BatchHandler = (*TokenWriter)(nil)

// NewTokenWriter creates a new TokenWriter.
func NewTokenWriter(cfg Config, db BatchSender, logger *slog.Logger) *TokenWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	return &TokenWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		insert: insertSQL(cfg.Table),
		input:  NewBuffer[tickRow](min(cfg.BatchSize, cfg.BufferSize), cfg.BufferSize),
		batch:  make([]tickRow, 0, cfg.BatchSize),
	}
}

// HandleBatch enqueues every record of the delivery. It never blocks; records
// that do not fit in the buffer are dropped and counted.
func (w *TokenWriter) HandleBatch(d stream.Delivery) {
	dropped := 0
	for _, rec := range d.Batch.Records {
		if !w.input.Send(transform(d, rec)) {
			dropped++
		}
	}
	if dropped == 0 {
		return
	}

	w.batchMu.Lock()
	w.metrics.Dropped += int64(dropped)
	w.batchMu.Unlock()

	w.logger.Warn("writer buffer full, dropping records",
		"source", d.Source,
		"dropped", dropped,
	)
}

// Start begins consuming buffered records and writing to the database.
func (w *TokenWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("token writer started",
		"table", w.cfg.Table,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the writer down and flushes whatever is still buffered using ctx.
func (w *TokenWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping token writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("token writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for {
		rows := w.input.DrainTo(w.cfg.BatchSize)
		if len(rows) == 0 {
			break
		}
		w.batchMu.Lock()
		w.batch = append(w.batch, rows...)
		w.batchMu.Unlock()
		w.flush(ctx)
	}
	w.flush(ctx)

	w.logger.Info("token writer stopped", "stats", w.Stats())
	return nil
}

// Stats returns current metrics.
func (w *TokenWriter) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop drains the input buffer and accumulates batches.
func (w *TokenWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		rows := w.input.DrainTo(w.cfg.BatchSize)
		if len(rows) == 0 {
			// Buffer empty, wait a bit before trying again
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		w.handleRows(rows)

		if w.ctx.Err() != nil {
			return
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *TokenWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(context.WithoutCancel(w.ctx))
		}
	}
}

// handleRows adds rows to the batch and flushes once it is full.
func (w *TokenWriter) handleRows(rows []tickRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, rows...)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	// An in-flight insert outlives Stop's cancel so its rows are not lost.
	if shouldFlush {
		w.flush(context.WithoutCancel(w.ctx))
	}
}

// flush writes the current batch to the database.
func (w *TokenWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]tickRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed token ticks",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *TokenWriter) batchInsert(ctx context.Context, rows []tickRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, errNoDatabase
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(w.insert, r.args()...)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// transform converts one delivered record to a row.
func transform(d stream.Delivery, rec transport.TokenRecord) tickRow {
	received := d.Batch.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	return tickRow{
		Source:        d.Source,
		Epoch:         d.Epoch.String(),
		ReceivedAt:    received.UTC(),
		BlockTime:     parseTime(rec.Block.Time, received).UTC(),
		IntervalStart: parseTime(rec.Interval.Time.Start, received).UTC(),
		IntervalEnd:   parseTime(rec.Interval.Time.End, received).UTC(),
		Duration:      rec.Interval.Time.Duration,
		Network:       rec.Token.Network,
		TokenID:       tokenKey(rec.Token),
		Address:       rec.Token.Address,
		Symbol:        rec.Token.Symbol,
		Name:          rec.Token.Name,
		IsNative:      rec.Token.IsNative,
		VolumeBase:    rec.Volume.Base,
		VolumeQuote:   rec.Volume.Quote,
		VolumeUSD:     rec.Volume.USD,
		QuotedInUSD:   rec.Price.IsQuotedInUSD,
		Open:          rec.Price.Ohlc.Open,
		High:          rec.Price.Ohlc.High,
		Low:           rec.Price.Ohlc.Low,
		Close:         rec.Price.Ohlc.Close,
		Mean:          rec.Price.Average.Mean,
		EMA:           rec.Price.Average.ExponentialMoving,
		SMA:           rec.Price.Average.SimpleMoving,
		WSMA:          rec.Price.Average.WeightedSimpleMoving,
	}
}

// tokenKey prefers the upstream token id and falls back to the address.
func tokenKey(t transport.Token) string {
	switch {
	case t.TokenID != "":
		return t.TokenID
	case t.ID != "":
		return t.ID
	default:
		return t.Address
	}
}

// parseTime parses an RFC 3339 timestamp, returning fallback when s is empty
// or malformed.
func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return ts
}
