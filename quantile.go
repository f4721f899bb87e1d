package rxloop

// quantileEstimator estimates one quantile of a stream in constant space
// using the P-Square algorithm (Jain & Chlamtac, "The P² Algorithm for
// Dynamic Calculation of Quantiles and Histograms Without Storing
// Observations", CACM 28(10), 1985).
//
// Five markers track the minimum, the maximum, the target quantile, and the
// midpoints on either side of it. Each observation shifts the actual marker
// positions; marker heights are then nudged toward their ideal positions
// with a piecewise-parabolic fit, falling back to linear interpolation when
// the parabola would break monotonicity.
//
// Thread Safety: NOT thread-safe. [LatencyMetrics] guards access.
type quantileEstimator struct {
	target float64 // quantile in [0, 1]

	heights [5]float64 // marker heights
	pos     [5]int     // actual marker positions
	want    [5]float64 // ideal marker positions
	step    [5]float64 // per-observation increments of want

	seen int
	seed [5]float64 // first observations, held until the markers start
}

func newQuantileEstimator(target float64) *quantileEstimator {
	if target < 0 {
		target = 0
	} else if target > 1 {
		target = 1
	}
	return &quantileEstimator{
		target: target,
		step:   [5]float64{0, target / 2, target, (1 + target) / 2, 1},
	}
}

// observe feeds one observation into the estimator.
func (e *quantileEstimator) observe(x float64) {
	if e.seen < len(e.seed) {
		e.seed[e.seen] = x
		e.seen++
		if e.seen == len(e.seed) {
			e.start()
		}
		return
	}
	e.seen++

	// Locate the cell the observation falls into, extending the extreme
	// markers when it lands outside them.
	var cell int
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
		cell = 0
	case x >= e.heights[4]:
		e.heights[4] = x
		cell = 3
	default:
		for cell = 0; cell < 3; cell++ {
			if x < e.heights[cell+1] {
				break
			}
		}
	}

	for i := cell + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := range e.want {
		e.want[i] += e.step[i]
	}

	// Nudge the three interior markers toward their ideal positions.
	for i := 1; i <= 3; i++ {
		gap := e.want[i] - float64(e.pos[i])
		if (gap >= 1 && e.pos[i+1]-e.pos[i] > 1) || (gap <= -1 && e.pos[i-1]-e.pos[i] < -1) {
			dir := 1
			if gap < 0 {
				dir = -1
			}
			h := e.parabolic(i, dir)
			if !(e.heights[i-1] < h && h < e.heights[i+1]) {
				h = e.linear(i, dir)
			}
			e.heights[i] = h
			e.pos[i] += dir
		}
	}
}

// start sorts the seed buffer and places the initial markers on it.
func (e *quantileEstimator) start() {
	sortSmall(e.seed[:])
	for i, v := range e.seed {
		e.heights[i] = v
		e.pos[i] = i
	}
	e.want = [5]float64{0, 2 * e.target, 4 * e.target, 2 + 2*e.target, 4}
}

// parabolic is the P² piecewise-parabolic height adjustment for marker i
// moving in direction dir (+1 or -1).
func (e *quantileEstimator) parabolic(i, dir int) float64 {
	d := float64(dir)
	lo := float64(e.pos[i-1])
	mid := float64(e.pos[i])
	hi := float64(e.pos[i+1])

	above := (mid - lo + d) * (e.heights[i+1] - e.heights[i]) / (hi - mid)
	below := (hi - mid - d) * (e.heights[i] - e.heights[i-1]) / (mid - lo)
	return e.heights[i] + d/(hi-lo)*(above+below)
}

// linear is the fallback height adjustment when the parabola would leave
// the marker heights non-monotonic.
func (e *quantileEstimator) linear(i, dir int) float64 {
	j := i + dir
	return e.heights[i] + float64(dir)*(e.heights[j]-e.heights[i])/float64(e.pos[j]-e.pos[i])
}

// value returns the current estimate. Before the markers start it falls
// back to the exact quantile of the buffered observations.
func (e *quantileEstimator) value() float64 {
	if e.seen == 0 {
		return 0
	}
	if e.seen < len(e.seed) {
		buf := make([]float64, e.seen)
		copy(buf, e.seed[:e.seen])
		sortSmall(buf)
		i := int(float64(e.seen-1) * e.target)
		return buf[i]
	}
	return e.heights[2]
}

// sortSmall is an insertion sort; the inputs here are at most five elements.
func sortSmall(xs []float64) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}
