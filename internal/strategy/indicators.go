package strategy

// EMA seeds with the simple average of the first period values and smooths
// the rest. It reports false when there are fewer than period values.
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	ema := 0.0
	for _, v := range values[:period] {
		ema += v
	}
	ema /= float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = (v-ema)*k + ema
	}
	return ema, true
}

// RSI averages gains and losses over the last period changes.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		if gain > 0 {
			return 100, true
		}
		return 50, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// VWAP weights the typical price (high+low+close)/3 of every bar by its volume.
func VWAP(bars []Bar) (float64, bool) {
	var pv, vol float64
	for _, b := range bars {
		pv += (b.High + b.Low + b.Close) / 3 * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// RelativeVolume is the last bar's volume over the average of the others.
func RelativeVolume(bars []Bar) (float64, bool) {
	if len(bars) < 2 {
		return 0, false
	}
	var sum float64
	for _, b := range bars[:len(bars)-1] {
		sum += b.Volume
	}
	avg := sum / float64(len(bars)-1)
	if avg == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Volume / avg, true
}

// Crossover directions.
const (
	Bullish = 1
	Bearish = -1
)

// Crossover reports a fast/slow EMA cross on the last bar: Bullish, Bearish or 0.
func Crossover(closes []float64, fast, slow int) int {
	if len(closes) < slow+1 {
		return 0
	}
	f, _ := EMA(closes, fast)
	s, _ := EMA(closes, slow)
	pf, _ := EMA(closes[:len(closes)-1], fast)
	ps, _ := EMA(closes[:len(closes)-1], slow)
	switch {
	case pf <= ps && f > s:
		return Bullish
	case pf >= ps && f < s:
		return Bearish
	default:
		return 0
	}
}
