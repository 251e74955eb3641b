package fabric

// A RateMatrix holds a transfer rate from every source
// host (row) to every destination host (column).
type RateMatrix struct {
	numHosts int
	rates    []float64
}

// NewRateMatrix creates an all-zero matrix.
func NewRateMatrix(numHosts int) *RateMatrix {
	return &RateMatrix{
		numHosts: numHosts,
		rates:    make([]float64, numHosts*numHosts),
	}
}

// NumHosts returns the number of hosts.
func (r *RateMatrix) NumHosts() int {
	return r.numHosts
}

// Get an entry in the matrix.
func (r *RateMatrix) Get(src, dst int) float64 {
	r.checkIndex(src)
	r.checkIndex(dst)
	return r.rates[src*r.numHosts+dst]
}

// Set an entry in the matrix.
func (r *RateMatrix) Set(src, dst int, value float64) {
	r.checkIndex(src)
	r.checkIndex(dst)
	r.rates[src*r.numHosts+dst] = value
}

// SumDest sums a column, the total inbound rate of dst.
func (r *RateMatrix) SumDest(dst int) float64 {
	r.checkIndex(dst)
	var sum float64
	for i := 0; i < r.numHosts; i++ {
		sum += r.Get(i, dst)
	}
	return sum
}

// SumSource sums a row, the total outbound rate of src.
func (r *RateMatrix) SumSource(src int) float64 {
	r.checkIndex(src)
	var sum float64
	for i := 0; i < r.numHosts; i++ {
		sum += r.Get(src, i)
	}
	return sum
}

// ScaleDest scales a column.
func (r *RateMatrix) ScaleDest(dst int, scale float64) {
	r.checkIndex(dst)
	for i := 0; i < r.numHosts; i++ {
		r.Set(i, dst, r.Get(i, dst)*scale)
	}
}

// ScaleSource scales a row.
func (r *RateMatrix) ScaleSource(src int, scale float64) {
	r.checkIndex(src)
	for i := 0; i < r.numHosts; i++ {
		r.Set(src, i, r.Get(src, i)*scale)
	}
}

func (r *RateMatrix) checkIndex(i int) {
	if i < 0 || i >= r.numHosts {
		panic("index out of bounds")
	}
}
