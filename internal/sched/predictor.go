package sched

import (
	"strconv"
	"sync"
)

// Predictor watches the access stream for a stable stride in block indexes
// (sequential layer sweeps show up as stride 1) and predicts the next ids.
type Predictor struct {
	mu         sync.Mutex
	history    []int64
	prefix     string
	maxHistory int
}

func NewPredictor() *Predictor {
	return &Predictor{maxHistory: 64}
}

// Observe feeds one accessed block id into the history. Ids without a
// numeric suffix reset the stream; stride detection needs an index space.
func (p *Predictor) Observe(id string) {
	prefix, n, ok := splitIndex(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !ok || prefix != p.prefix {
		p.prefix = prefix
		p.history = p.history[:0]
	}
	if !ok {
		return
	}
	p.history = append(p.history, n)
	if len(p.history) > p.maxHistory {
		p.history = p.history[1:]
	}
}

// Next returns up to n predicted ids when the last three accesses show a
// stable non-zero stride, otherwise nil.
func (p *Predictor) Next(n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.history
	if len(h) < 3 {
		return nil
	}
	stride := h[len(h)-1] - h[len(h)-2]
	if stride == 0 || h[len(h)-2]-h[len(h)-3] != stride {
		return nil
	}
	out := make([]string, 0, n)
	cur := h[len(h)-1]
	for i := 0; i < n; i++ {
		cur += stride
		if cur < 0 {
			break
		}
		out = append(out, p.prefix+strconv.FormatInt(cur, 10))
	}
	return out
}

// splitIndex separates a trailing decimal index from its prefix:
// "layer.12" → ("layer.", 12, true).
func splitIndex(id string) (string, int64, bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return id, 0, false
	}
	n, err := strconv.ParseInt(id[i:], 10, 64)
	if err != nil {
		return id, 0, false
	}
	return id[:i], n, true
}
