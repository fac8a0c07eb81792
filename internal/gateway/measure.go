package gateway

// bytesPerToken is the fixed ratio used to estimate token usage from payload size.
const bytesPerToken = 4

// EstimateTokens returns ceil(n/4). It depends only on the payload size.
func EstimateTokens(n int) int64 {
	if n <= 0 {
		return 0
	}
	return int64((n + bytesPerToken - 1) / bytesPerToken)
}

// Usage is the measured cost of one proxied exchange.
type Usage struct {
	Request  int64
	Response int64
}

func (u Usage) Total() int64 { return u.Request + u.Response }

// Measure estimates usage from the request and response bodies.
func Measure(reqBody, respBody []byte) Usage {
	return Usage{Request: EstimateTokens(len(reqBody)), Response: EstimateTokens(len(respBody))}
}
