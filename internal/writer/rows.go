package writer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

var errNoDatabase = errors.New("writer has no database")

// tickRow is one token_ticks row.
type tickRow struct {
	Source        string
	Epoch         string
	ReceivedAt    time.Time
	BlockTime     time.Time
	IntervalStart time.Time
	IntervalEnd   time.Time
	Duration      int64
	Network       string
	TokenID       string
	Address       string
	Symbol        string
	Name          string
	IsNative      bool
	VolumeBase    float64
	VolumeQuote   float64
	VolumeUSD     float64
	QuotedInUSD   bool
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Mean          float64
	EMA           float64
	SMA           float64
	WSMA          float64
}

// tickColumns is the insert column order; args must match it.
var tickColumns = []string{
	"source", "epoch", "received_at", "block_time", "interval_start", "interval_end",
	"duration_s", "network", "token_id", "address", "symbol", "name", "is_native",
	"volume_base", "volume_quote", "volume_usd", "quoted_in_usd",
	"price_open", "price_high", "price_low", "price_close",
	"avg_mean", "avg_ema", "avg_sma", "avg_wsma",
}

func (r tickRow) args() []any {
	return []any{
		r.Source, r.Epoch, r.ReceivedAt, r.BlockTime, r.IntervalStart, r.IntervalEnd,
		r.Duration, r.Network, r.TokenID, r.Address, r.Symbol, r.Name, r.IsNative,
		r.VolumeBase, r.VolumeQuote, r.VolumeUSD, r.QuotedInUSD,
		r.Open, r.High, r.Low, r.Close,
		r.Mean, r.EMA, r.SMA, r.WSMA,
	}
}

// insertSQL builds the insert statement for table.
func insertSQL(table string) string {
	placeholders := make([]string, len(tickColumns))
	for i := range tickColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (source, token_id, interval_start) DO NOTHING",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(tickColumns, ", "),
		strings.Join(placeholders, ", "),
	)
}
