package audio

// Downmix averages interleaved channels into mono. Mono input is returned
// unchanged.
func Downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(pcm[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Resampler converts a mono stream between rates with linear interpolation.
// It keeps the fractional read position and the last input sample across
// calls so chunk boundaries do not drift. Not safe for concurrent use.
type Resampler struct {
	ratio   float64
	pos     float64
	prev    int16
	hasPrev bool
}

// NewResampler returns a resampler from srcRate to dstRate, or nil when the
// rates are equal.
func NewResampler(srcRate, dstRate int) *Resampler {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return nil
	}
	return &Resampler{ratio: float64(srcRate) / float64(dstRate)}
}

// Process resamples the next chunk. A nil resampler passes input through.
func (r *Resampler) Process(in []int16) []int16 {
	if r == nil || len(in) == 0 {
		return in
	}
	buf := in
	if r.hasPrev {
		buf = make([]int16, 0, len(in)+1)
		buf = append(buf, r.prev)
		buf = append(buf, in...)
	}

	out := make([]int16, 0, int(float64(len(buf))/r.ratio)+1)
	for r.pos+1 < float64(len(buf)) {
		idx := int(r.pos)
		frac := r.pos - float64(idx)
		s := float64(buf[idx])*(1-frac) + float64(buf[idx+1])*frac
		out = append(out, int16(s))
		r.pos += r.ratio
	}

	r.pos -= float64(len(buf) - 1)
	r.prev = buf[len(buf)-1]
	r.hasPrev = true
	return out
}
