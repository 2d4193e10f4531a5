package correlation

// withinAmountTolerance reports whether actual is close enough to expected
// under the two-regime tolerance policy: amounts below the threshold use a
// fixed absolute tolerance, larger amounts a percentage tolerance with the
// fixed value as a floor.
func (e *Engine) withinAmountTolerance(expected, actual int64) bool {
	delta := expected - actual
	if delta < 0 {
		delta = -delta
	}

	tolerance := e.cfg.FixedTolerance
	if expected >= e.cfg.PercentThreshold {
		pct := int64(float64(expected) * e.cfg.PercentTolerance)
		if pct > tolerance {
			tolerance = pct
		}
	}
	return delta <= tolerance
}

// withinBalanceTolerance reports whether a balance increase matches the
// expected amount within the (looser) balance-delta tolerance.
func (e *Engine) withinBalanceTolerance(expected, delta int64) bool {
	if delta <= 0 {
		return false
	}
	diff := expected - delta
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= float64(expected)*e.cfg.BalanceTolerance
}
