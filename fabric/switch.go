package fabric

// A Switch decides how fast data flows between hosts,
// including what happens when a host is oversubscribed.
type Switch interface {
	// Rates receives a matrix with 1 wherever a host has
	// data for another host and 0 elsewhere, and replaces
	// it with the transfer rate of every pair.
	Rates(mat *RateMatrix)
}

// A FairShareSwitch splits each host's upload capacity
// evenly across its active destinations, then scales down
// the inbound traffic of any host whose download capacity
// is exceeded.
//
// This is equivalent to normalizing the rows of the rate
// matrix and then the columns.
type FairShareSwitch struct {
	SendRates []float64
	RecvRates []float64
}

// NewFairShareSwitch creates a FairShareSwitch where every
// NIC uploads and downloads at the same rate.
func NewFairShareSwitch(numHosts int, rate float64) *FairShareSwitch {
	rates := make([]float64, numHosts)
	for i := range rates {
		rates[i] = rate
	}
	return &FairShareSwitch{
		SendRates: rates,
		RecvRates: rates,
	}
}

// NumHosts gets the number of hosts the switch expects.
func (f *FairShareSwitch) NumHosts() int {
	return len(f.SendRates)
}

// Rates applies the fair-share policy.
func (f *FairShareSwitch) Rates(mat *RateMatrix) {
	if mat.NumHosts() != f.NumHosts() {
		panic("unexpected number of hosts")
	}

	for src := 0; src < f.NumHosts(); src++ {
		numDests := mat.SumSource(src)
		if numDests > 0 {
			mat.ScaleSource(src, f.SendRates[src]/numDests)
		}
	}

	for dst := 0; dst < f.NumHosts(); dst++ {
		incoming := mat.SumDest(dst)
		if incoming > f.RecvRates[dst] {
			mat.ScaleDest(dst, f.RecvRates[dst]/incoming)
		}
	}
}
