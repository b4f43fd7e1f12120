package config

import "fmt"

const tradingTokensQuery = `subscription {
  Trading {
    Tokens(
      where: {Token: {Network: {is: %q}}, Interval: {Time: {Duration: {eq: 1}}}}
    ) {
      Token { Address Id IsNative Name Network Symbol TokenId }
      Block { Date Time Timestamp }
      Interval { Time { Start Duration End } }
      Volume { Base Quote Usd }
      Price {
        IsQuotedInUsd
        Ohlc { Close High Low Open }
        Average { ExponentialMoving Mean SimpleMoving WeightedSimpleMoving }
      }
    }
  }
}`

// TradingTokensQuery returns the one-second Trading.Tokens subscription
// filtered to network.
func TradingTokensQuery(network string) string {
	return fmt.Sprintf(tradingTokensQuery, network)
}
