package analyze

import "math"

// dominantFrequency scans the series with a Goertzel filter at each
// candidate frequency and returns the strongest component: frequency in
// cycles per sample, its amplitude, phase, and the fraction of total
// power it carries. Series shorter than 8 samples carry too little
// evidence to call anything periodic.
func dominantFrequency(series []float64) (freq, amplitude, phase, powerRatio float64) {
	n := len(series)
	if n < 8 {
		return 0, 0, 0, 0
	}

	mean := 0.0
	for _, x := range series {
		mean += x
	}
	mean /= float64(n)

	centered := make([]float64, n)
	var totalPower float64
	for i, x := range series {
		centered[i] = x - mean
		totalPower += centered[i] * centered[i]
	}
	if totalPower == 0 {
		return 0, 0, 0, 0
	}

	// Candidate bins: k/n for k in [1, n/2).
	var bestPower float64
	var bestK int
	var bestRe, bestIm float64
	for k := 1; k < n/2; k++ {
		re, im := goertzel(centered, k)
		power := re*re + im*im
		if power > bestPower {
			bestPower = power
			bestK = k
			bestRe, bestIm = re, im
		}
	}
	if bestK == 0 {
		return 0, 0, 0, 0
	}

	freq = float64(bestK) / float64(n)
	amplitude = 2 * math.Sqrt(bestPower) / float64(n)
	phase = math.Atan2(bestIm, bestRe)
	// Power in the bin relative to total signal power; 2/n scales the
	// one-sided spectrum.
	powerRatio = 2 * bestPower / (float64(n) * totalPower)
	if powerRatio > 1 {
		powerRatio = 1
	}
	return freq, amplitude, phase, powerRatio
}

// goertzel evaluates the DFT at bin k without computing the full
// transform.
func goertzel(series []float64, k int) (re, im float64) {
	n := len(series)
	w := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(w)

	var s0, s1, s2 float64
	for _, x := range series {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	re = s1 - s2*math.Cos(w)
	im = s2 * math.Sin(w)
	return re, im
}

// linearTrend fits y = a + b*x by least squares over the series and
// returns the slope with the coefficient of determination.
func linearTrend(series []float64) (slope, r2 float64) {
	n := float64(len(series))
	if n < 3 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, y := range series {
		fit := intercept + slope*float64(i)
		ssTot += (y - meanY) * (y - meanY)
		ssRes += (y - fit) * (y - fit)
	}
	if ssTot == 0 {
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
}
