// Package signals computes the fixed-length normalized signal vector fed to
// the council. The registry is compile-time: unknown signal names cannot
// exist at runtime, and the per-signal error field is reserved for genuine
// runtime failures such as insufficient bars.
package signals

import (
	"fmt"
	"math"

	"github.com/paperloop/paperloop/internal/market"
)

func closes(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// ema computes an exponential moving average series over values.
func ema(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	k := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// rsi computes the Wilder RSI series; the first `period` values are 50.
func rsi(values []float64, period int) ([]float64, error) {
	if len(values) < period+1 {
		return nil, fmt.Errorf("rsi: need %d values, have %d", period+1, len(values))
	}
	out := make([]float64, len(values))
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := 0; i <= period; i++ {
		out[i] = 50
	}
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return out, nil
}

// macdHist returns the MACD histogram series (12/26 EMA diff minus its 9 EMA).
func macdHist(values []float64) ([]float64, error) {
	if len(values) < 35 {
		return nil, fmt.Errorf("macd: need 35 values, have %d", len(values))
	}
	fast := ema(values, 12)
	slow := ema(values, 26)
	diff := make([]float64, len(values))
	for i := range values {
		diff[i] = fast[i] - slow[i]
	}
	signal := ema(diff, 9)
	hist := make([]float64, len(values))
	for i := range values {
		hist[i] = diff[i] - signal[i]
	}
	return hist, nil
}

// bollinger returns mid and standard deviation for the last `period` values
// ending at index i.
func bollinger(values []float64, period, i int) (mid, sd float64, err error) {
	if i+1 < period {
		return 0, 0, fmt.Errorf("bollinger: need %d values, have %d", period, i+1)
	}
	window := values[i+1-period : i+1]
	for _, v := range window {
		mid += v
	}
	mid /= float64(period)
	for _, v := range window {
		sd += (v - mid) * (v - mid)
	}
	sd = math.Sqrt(sd / float64(period))
	return mid, sd, nil
}

// atrPct returns the ATR as a fraction of close, as a series.
func atrPct(bars []market.Bar, period int) ([]float64, error) {
	if len(bars) < period+1 {
		return nil, fmt.Errorf("atr: need %d bars, have %d", period+1, len(bars))
	}
	trs := make([]float64, len(bars))
	trs[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		trs[i] = math.Max(hl, math.Max(hc, lc))
	}
	atr := ema(trs, period)
	out := make([]float64, len(bars))
	for i := range bars {
		if bars[i].Close != 0 {
			out[i] = atr[i] / bars[i].Close
		}
	}
	return out, nil
}

// obv returns the on-balance volume series.
func obv(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > bars[i-1].Close:
			out[i] = out[i-1] + bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			out[i] = out[i-1] - bars[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// vwap returns the rolling typical-price VWAP over the whole window.
func vwap(bars []market.Bar) float64 {
	var pv, vol float64
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pv += tp * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// meanStd returns mean and standard deviation of values.
func meanStd(values []float64) (mean, sd float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		sd += (v - mean) * (v - mean)
	}
	sd = math.Sqrt(sd / float64(len(values)))
	return mean, sd
}
