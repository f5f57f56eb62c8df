package generator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
)

// Default topics rotated by the price ticker.
var PriceTickerTopics = []string{"price.BTCUSD", "price.ETHUSD", "news.general"}

const (
	minPrice = 1000
	maxPrice = 70000
)

type PricePayload struct {
	Price float64 `json:"price"`
}

type NewsPayload struct {
	Text string `json:"text"`
}

// PriceTicker rotates through its topics, producing a random price for
// price.* topics and a random notice for everything else.
type PriceTicker struct {
	mu     sync.Mutex
	rng    *rand.Rand
	topics []string
	i      int
}

// NewPriceTicker creates the default generator. A nil rng is seeded from the
// current time.
func NewPriceTicker(rng *rand.Rand) *PriceTicker {
	return NewTopicTicker(rng, PriceTickerTopics...)
}

// NewTopicTicker creates a PriceTicker over custom topics.
func NewTopicTicker(rng *rand.Rand, topics ...string) *PriceTicker {
	if rng == nil {
		rng = NewRand()
	}
	return &PriceTicker{rng: rng, topics: append([]string(nil), topics...)}
}

func (p *PriceTicker) Next() (string, any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.topics) == 0 {
		return "", nil, false
	}

	topic := p.topics[p.i%len(p.topics)]
	p.i++

	if strings.HasPrefix(topic, "price") {
		price := p.rng.Float64()*(maxPrice-minPrice) + minPrice
		return topic, PricePayload{Price: math.Round(price*100) / 100}, true
	}
	return topic, NewsPayload{Text: fmt.Sprintf("Random notice #%d", p.rng.IntN(1000))}, true
}
