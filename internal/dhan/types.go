package dhan

// Wire types for the vendor REST API. All requests carry access-token and
// client-id headers; all bodies are JSON.

// QuoteRequest maps segment code to the security ids wanted, e.g.
// {"NSE_EQ": [1333], "NSE_FNO": [35002]}.
type QuoteRequest map[string][]int64

// QuoteResponse is keyed segment -> security id -> quote.
type QuoteResponse struct {
	Data   map[string]map[string]Quote `json:"data"`
	Status string                      `json:"status"`
}

// Quote is the vendor quote payload for one instrument.
type Quote struct {
	LastPrice float64 `json:"last_price"`
	OHLC      struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
	Depth struct {
		Buy  []QuoteDepthLevel `json:"buy"`
		Sell []QuoteDepthLevel `json:"sell"`
	} `json:"depth"`
	Volume int64 `json:"volume"`
	OI     int64 `json:"oi"`
}

// QuoteDepthLevel is one vendor book level.
type QuoteDepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int64   `json:"orders"`
}

// ChainScripRequest identifies an underlying for the option-chain APIs.
type ChainScripRequest struct {
	UnderlyingScrip int64  `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg"`
	Expiry          string `json:"Expiry,omitempty"`
}

// ExpiryListResponse lists future expiries for an underlying.
type ExpiryListResponse struct {
	Data   []string `json:"data"`
	Status string   `json:"status"`
}

// OptionChainResponse is the vendor chain snapshot.
type OptionChainResponse struct {
	Data struct {
		LastPrice float64                `json:"last_price"`
		Chain     map[string]OptionPair  `json:"oc"` // keyed by strike, "25000.000000"
	} `json:"data"`
	Status string `json:"status"`
}

// OptionPair is one strike row.
type OptionPair struct {
	CE *OptionQuote `json:"ce,omitempty"`
	PE *OptionQuote `json:"pe,omitempty"`
}

// OptionQuote is one chain leg.
type OptionQuote struct {
	LastPrice         float64 `json:"last_price"`
	TopAskPrice       float64 `json:"top_ask_price"`
	TopBidPrice       float64 `json:"top_bid_price"`
	TopAskQuantity    int64   `json:"top_ask_quantity"`
	TopBidQuantity    int64   `json:"top_bid_quantity"`
	OI                int64   `json:"oi"`
	Volume            int64   `json:"volume"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	PreviousClose     float64 `json:"previous_close_price"`
	Greeks            Greeks  `json:"greeks"`
}

// Greeks carried verbatim from the vendor; the core never computes them.
type Greeks struct {
	Delta float64 `json:"delta"`
	Theta float64 `json:"theta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
}

// MarginRequest is proxied untouched to the vendor margin calculator.
type MarginRequest struct {
	ExchangeSegment string  `json:"exchangeSegment"`
	TransactionType string  `json:"transactionType"`
	Quantity        int64   `json:"quantity"`
	ProductType     string  `json:"productType"`
	SecurityID      string  `json:"securityId"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"triggerPrice,omitempty"`
}

// MarginResponse is returned verbatim from the vendor.
type MarginResponse struct {
	TotalMargin         float64 `json:"totalMargin"`
	SpanMargin          float64 `json:"spanMargin"`
	ExposureMargin      float64 `json:"exposureMargin"`
	AvailableBalance    float64 `json:"availableBalance"`
	InsufficientBalance float64 `json:"insufficientBalance"`
	Brokerage           float64 `json:"brokerage"`
	Leverage            string  `json:"leverage"`
}

// WSSubscribeMsg is one vendor websocket control frame. RequestCode 15
// subscribes, 16 unsubscribes; instruments are (segment, security id) pairs.
type WSSubscribeMsg struct {
	RequestCode    int             `json:"RequestCode"`
	InstrumentCount int            `json:"InstrumentCount"`
	InstrumentList []WSInstrument  `json:"InstrumentList"`
}

// WSInstrument identifies one feed target.
type WSInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

// Vendor websocket request codes.
const (
	WSCodeSubscribeTicker = 15
	WSCodeUnsubscribe     = 16
	WSCodeSubscribeQuote  = 17
)
