package audio

// DownmixStereoToMono converts an interleaved stereo float32 buffer to mono
// by averaging each left/right pair.
func DownmixStereoToMono(stereo []float32) []float32 {
	// a trailing half frame is dropped
	mono := make([]float32, len(stereo)/2)
	for i := range mono {
		mono[i] = (stereo[2*i] + stereo[2*i+1]) / 2
	}
	return mono
}
