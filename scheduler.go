package mtbert

import "math"

// Scheduler adjusts the learning rate from the fractional epoch.
type Scheduler interface {
	Step(epoch float64)
}

// CosineWarmRestarts anneals the learning rate from its base value to
// etaMin along a cosine over period epochs, then restarts.
type CosineWarmRestarts struct {
	opt    Optimizer
	base   float64
	etaMin float64
	period float64
}

func NewCosineWarmRestarts(opt Optimizer, period, etaMin float64) *CosineWarmRestarts {
	if period <= 0 {
		period = 1
	}
	return &CosineWarmRestarts{opt: opt, base: opt.LR(), etaMin: etaMin, period: period}
}

func (s *CosineWarmRestarts) Step(epoch float64) {
	s.opt.SetLR(s.At(epoch))
}

// At returns the learning rate at the given fractional epoch.
func (s *CosineWarmRestarts) At(epoch float64) float64 {
	cur := math.Mod(epoch, s.period)
	if cur < 0 {
		cur += s.period
	}
	return s.etaMin + (s.base-s.etaMin)*(1+math.Cos(math.Pi*cur/s.period))/2
}
