package writer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/bitquery-stream/internal/stream"
	"github.com/rickgao/bitquery-stream/internal/transport"
)

// fakeDB records batches and reports a conflict for any key it has seen.
type fakeDB struct {
	mu      sync.Mutex
	err     error
	seen    map[string]bool
	batches int
	rows    int
}

func newFakeDB() *fakeDB {
	return &fakeDB{seen: make(map[string]bool)}
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()

	res := &fakeResults{err: db.err}
	if db.err != nil {
		return res
	}
	db.batches++
	for _, q := range b.QueuedQueries {
		key := q.Arguments[0].(string) + "|" + q.Arguments[8].(string) + "|" + q.Arguments[4].(time.Time).String()
		if db.seen[key] {
			res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 0"))
			continue
		}
		db.seen[key] = true
		db.rows++
		res.tags = append(res.tags, pgconn.NewCommandTag("INSERT 0 1"))
	}
	return res
}

func (db *fakeDB) stats() (batches, rows int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.batches, db.rows
}

type fakeResults struct {
	tags []pgconn.CommandTag
	err  error
	i    int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	tag := r.tags[r.i]
	r.i++
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row         { return nil }
func (r *fakeResults) Close() error              { return nil }

func record(tokenID, start string) transport.TokenRecord {
	var rec transport.TokenRecord
	rec.Token = transport.Token{TokenID: tokenID, Symbol: "SOL", Network: "Solana"}
	rec.Interval.Time = transport.IntervalTime{Start: start, End: start, Duration: 1}
	return rec
}

func delivery(source string, recs ...transport.TokenRecord) stream.Delivery {
	return stream.Delivery{
		Source: source,
		Epoch:  uuid.New(),
		Batch:  transport.Batch{ReceivedAt: time.Now(), Records: recs},
	}
}

func distinctRecords(n int) []transport.TokenRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := make([]transport.TokenRecord, n)
	for i := range n {
		recs[i] = record("sol", base.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
	}
	return recs
}

func stopWriter(t *testing.T, w *TokenWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestTransform(t *testing.T) {
	receivedAt := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	epoch := uuid.New()

	var rec transport.TokenRecord
	rec.Token = transport.Token{
		Address:  "So11111111111111111111111111111111111111112",
		ID:       "bid:solana:So111",
		IsNative: true,
		Name:     "Solana",
		Network:  "Solana",
		Symbol:   "SOL",
		TokenID:  "tid:solana",
	}
	rec.Block = transport.Block{Time: "2026-03-01T12:00:01Z", Timestamp: 1772366401}
	rec.Interval.Time = transport.IntervalTime{Start: "2026-03-01T12:00:00Z", Duration: 1, End: "2026-03-01T12:00:01Z"}
	rec.Volume = transport.Volume{Base: 10, Quote: 1500, USD: 1500}
	rec.Price.IsQuotedInUSD = true
	rec.Price.Ohlc = transport.Ohlc{Open: 149, High: 151, Low: 148, Close: 150}
	rec.Price.Average = transport.Average{Mean: 150, ExponentialMoving: 149.5, SimpleMoving: 149.8, WeightedSimpleMoving: 149.9}

	row := transform(stream.Delivery{
		Source: "Solana",
		Epoch:  epoch,
		Batch:  transport.Batch{ReceivedAt: receivedAt},
	}, rec)

	if row.Source != "Solana" || row.Epoch != epoch.String() {
		t.Errorf("Source/Epoch = %q/%q", row.Source, row.Epoch)
	}
	if !row.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", row.ReceivedAt, receivedAt)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC); !row.BlockTime.Equal(want) {
		t.Errorf("BlockTime = %v, want %v", row.BlockTime, want)
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !row.IntervalStart.Equal(want) {
		t.Errorf("IntervalStart = %v, want %v", row.IntervalStart, want)
	}
	if row.TokenID != "tid:solana" {
		t.Errorf("TokenID = %q, want tid:solana", row.TokenID)
	}
	if row.Close != 150 || row.High != 151 || row.VolumeUSD != 1500 || row.EMA != 149.5 {
		t.Errorf("prices not carried over: %+v", row)
	}
	if !row.IsNative || !row.QuotedInUSD {
		t.Errorf("flags = native %v, usd %v", row.IsNative, row.QuotedInUSD)
	}
	if got := len(row.args()); got != len(tickColumns) {
		t.Errorf("args() has %d values for %d columns", got, len(tickColumns))
	}
}

func TestTransform_Fallbacks(t *testing.T) {
	receivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := stream.Delivery{Source: "BSC", Batch: transport.Batch{ReceivedAt: receivedAt}}

	var rec transport.TokenRecord
	rec.Token.Address = "0xabc"
	rec.Block.Time = "not a time"

	row := transform(d, rec)
	if row.TokenID != "0xabc" {
		t.Errorf("TokenID = %q, want address fallback", row.TokenID)
	}
	if !row.BlockTime.Equal(receivedAt) || !row.IntervalStart.Equal(receivedAt) {
		t.Errorf("times should fall back to ReceivedAt, got %v / %v", row.BlockTime, row.IntervalStart)
	}

	rec.Token.ID = "bid:bsc:0xabc"
	if got := transform(d, rec).TokenID; got != "bid:bsc:0xabc" {
		t.Errorf("TokenID = %q, want Id fallback", got)
	}
}

func TestTokenWriter_FlushesFullBatches(t *testing.T) {
	db := newFakeDB()
	w := NewTokenWriter(Config{BatchSize: 3, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	w.HandleBatch(delivery("Solana", distinctRecords(7)...))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, rows := db.stats(); rows >= 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopWriter(t, w)

	if _, rows := db.stats(); rows != 7 {
		t.Errorf("rows written = %d, want 7", rows)
	}
	stats := w.Stats()
	if stats.Inserts != 7 {
		t.Errorf("Inserts = %d, want 7", stats.Inserts)
	}
	if stats.Flushes < 2 {
		t.Errorf("Flushes = %d, want at least 2", stats.Flushes)
	}
	if stats.Errors != 0 || stats.Dropped != 0 {
		t.Errorf("Errors/Dropped = %d/%d, want 0/0", stats.Errors, stats.Dropped)
	}
}

func TestTokenWriter_FlushInterval(t *testing.T) {
	db := newFakeDB()
	w := NewTokenWriter(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond, BufferSize: 100}, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stopWriter(t, w)

	w.HandleBatch(delivery("Solana", distinctRecords(2)...))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, rows := db.stats(); rows == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("rows were not flushed by the ticker")
}

func TestTokenWriter_CountsConflicts(t *testing.T) {
	db := newFakeDB()
	w := NewTokenWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	recs := distinctRecords(3)
	// Same intervals redelivered on a new connection epoch.
	w.HandleBatch(delivery("Solana", recs...))
	w.HandleBatch(delivery("Solana", recs...))
	w.HandleBatch(delivery("BSC", recs[0]))

	stopWriter(t, w)

	stats := w.Stats()
	if stats.Inserts != 4 {
		t.Errorf("Inserts = %d, want 4", stats.Inserts)
	}
	if stats.Conflicts != 3 {
		t.Errorf("Conflicts = %d, want 3", stats.Conflicts)
	}
}

func TestTokenWriter_DropsWhenFull(t *testing.T) {
	w := NewTokenWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 2}, newFakeDB(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.HandleBatch(delivery("Solana", distinctRecords(5)...))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleBatch blocked on a full buffer")
	}

	if got := w.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	if got := w.input.Len(); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestTokenWriter_InsertError(t *testing.T) {
	db := newFakeDB()
	db.err = errors.New("connection reset")
	w := NewTokenWriter(Config{BatchSize: 100, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	w.HandleBatch(delivery("Solana", distinctRecords(2)...))
	stopWriter(t, w)

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}
}

func TestTokenWriter_NoDatabase(t *testing.T) {
	w := NewTokenWriter(DefaultConfig(), nil, nil)
	w.HandleBatch(delivery("Solana", distinctRecords(1)...))
	stopWriter(t, w)

	if got := w.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestInsertSQL(t *testing.T) {
	sql := insertSQL("token_ticks")
	if !strings.HasPrefix(sql, `INSERT INTO "token_ticks" (source, epoch, received_at`) {
		t.Errorf("unexpected statement: %s", sql)
	}
	if !strings.Contains(sql, "$25)") {
		t.Errorf("expected 25 placeholders: %s", sql)
	}
	if !strings.HasSuffix(sql, "ON CONFLICT (source, token_id, interval_start) DO NOTHING") {
		t.Errorf("missing conflict clause: %s", sql)
	}
}
