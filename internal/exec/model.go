package exec

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"tradesim/internal/config"
	"tradesim/pkg/types"
)

// models bundles the latency and slippage parameters with a locked RNG.
type models struct {
	cfg config.ExecConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func newModels(cfg config.ExecConfig) *models {
	return &models{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// latency draws the simulated exchange latency for one order from a Gamma
// distribution parameterized per exchange (shape k, scale theta in ms).
func (m *models) latency(ex types.Exchange) time.Duration {
	shape := m.cfg.LatencyShape[string(ex)]
	scale := m.cfg.LatencyScaleMS[string(ex)]
	if shape <= 0 || scale <= 0 {
		return 0
	}
	m.mu.Lock()
	ms := gammaSample(m.rng, shape) * scale
	m.mu.Unlock()
	return time.Duration(ms * float64(time.Millisecond))
}

// slippage returns the per-unit slippage for a fill:
// alpha*spread + beta*(qty/max(topQty,1))^gamma.
func (m *models) slippage(spread float64, qty, topQty int64) float64 {
	if topQty < 1 {
		topQty = 1
	}
	ratio := float64(qty) / float64(topQty)
	return m.cfg.SlippageAlpha*spread + m.cfg.SlippageBeta*math.Pow(ratio, m.cfg.SlippageGamma)
}

// gammaSample draws Gamma(shape, 1) via Marsaglia-Tsang; shapes below one
// use the boosting identity.
func gammaSample(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		return gammaSample(rng, shape+1) * math.Pow(rng.Float64(), 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
