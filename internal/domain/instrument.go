package domain

// Instrument is a tradable instrument exposed by the service, mapped to the
// symbol the upstream exchange knows it by.
type Instrument struct {
	Symbol        string // Local symbol, e.g. "ETH"
	Name          string // Display name, e.g. "Ethereum"
	BinanceSymbol string // Upstream pair, e.g. "ETHUSDT"
}
