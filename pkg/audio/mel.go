package audio

import "math"

func hamming(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64  { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilters builds numMels triangular filters over the fft/2+1 power bins.
func melFilters(numMels, fftSize, sampleRate int, low, high float64) [][]float64 {
	half := fftSize/2 + 1
	lo, hi := hzToMel(low), hzToMel(high)
	step := (hi - lo) / float64(numMels+1)

	bins := make([]int, numMels+2)
	for i := range bins {
		b := int(math.Round(melToHz(lo+float64(i)*step) * float64(fftSize) / float64(sampleRate)))
		if b >= half {
			b = half - 1
		}
		if i > 0 && b <= bins[i-1] {
			b = bins[i-1] + 1
		}
		bins[i] = b
	}

	bank := make([][]float64, numMels)
	for m := range bank {
		left, center, right := bins[m], bins[m+1], bins[m+2]
		f := make([]float64, half)
		for k := left; k < center && k < half; k++ {
			f[k] = float64(k-left) / float64(center-left)
		}
		for k := center; k <= right && k < half; k++ {
			f[k] = float64(right-k) / float64(right-center)
		}
		bank[m] = f
	}
	return bank
}

// fft is an in-place radix-2 transform; len(re) must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 0, 0; i < n-1; i++ {
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
		k := n >> 1
		for k <= j {
			j -= k
			k >>= 1
		}
		j += k
	}
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		angle := -2 * math.Pi / float64(size)
		wr, wi := math.Cos(angle), math.Sin(angle)
		for start := 0; start < n; start += size {
			tr, ti := 1.0, 0.0
			for k := 0; k < half; k++ {
				u, v := start+k, start+k+half
				xr := tr*re[v] - ti*im[v]
				xi := tr*im[v] + ti*re[v]
				re[v], im[v] = re[u]-xr, im[u]-xi
				re[u] += xr
				im[u] += xi
				tr, ti = tr*wr-ti*wi, tr*wi+ti*wr
			}
		}
	}
}
