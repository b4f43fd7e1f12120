package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Batch is one delivered payload, decoded into typed records.
type Batch struct {
	ReceivedAt time.Time     // Local timestamp when the frame was read
	Records    []TokenRecord // Decoded entries; may be empty
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Decoder turns a subscription's data object into records.
type Decoder func(data json.RawMessage) ([]TokenRecord, error)

// TokenRecord is one Trading.Tokens entry.
type TokenRecord struct {
	Token    Token    `json:"Token"`
	Block    Block    `json:"Block"`
	Interval Interval `json:"Interval"`
	Volume   Volume   `json:"Volume"`
	Price    Price    `json:"Price"`
}

// Token identifies the traded token.
type Token struct {
	Address  string `json:"Address"`
	ID       string `json:"Id"`
	IsNative bool   `json:"IsNative"`
	Name     string `json:"Name"`
	Network  string `json:"Network"`
	Symbol   string `json:"Symbol"`
	TokenID  string `json:"TokenId"`
}

// Block is the chain block the record was computed at.
type Block struct {
	Date      string `json:"Date"`
	Time      string `json:"Time"`
	Timestamp int64  `json:"Timestamp"`
}

// Interval is the aggregation window.
type Interval struct {
	Time IntervalTime `json:"Time"`
}

// IntervalTime bounds the aggregation window.
type IntervalTime struct {
	Start    string `json:"Start"`
	Duration int64  `json:"Duration"` // Seconds
	End      string `json:"End"`
}

// Volume is traded volume within the interval.
type Volume struct {
	Base  float64 `json:"Base"`
	Quote float64 `json:"Quote"`
	USD   float64 `json:"Usd"`
}

// Price carries OHLC and moving averages for the interval.
type Price struct {
	IsQuotedInUSD bool    `json:"IsQuotedInUsd"`
	Ohlc          Ohlc    `json:"Ohlc"`
	Average       Average `json:"Average"`
}

// Ohlc is open/high/low/close.
type Ohlc struct {
	Open  float64 `json:"Open"`
	High  float64 `json:"High"`
	Low   float64 `json:"Low"`
	Close float64 `json:"Close"`
}

// Average holds moving averages.
type Average struct {
	ExponentialMoving    float64 `json:"ExponentialMoving"`
	Mean                 float64 `json:"Mean"`
	SimpleMoving         float64 `json:"SimpleMoving"`
	WeightedSimpleMoving float64 `json:"WeightedSimpleMoving"`
}

// tradingData is the shape of a Trading.Tokens subscription result.
type tradingData struct {
	Trading struct {
		Tokens []TokenRecord `json:"Tokens"`
	} `json:"Trading"`
}

// DecodeTradingTokens decodes a Trading.Tokens result. A null or empty object
// yields no records; anything that is not an object, or a Tokens field that
// is not a list, is rejected.
func DecodeTradingTokens(data json.RawMessage) ([]TokenRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var d tradingData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode trading tokens: %w", err)
	}
	return d.Trading.Tokens, nil
}
