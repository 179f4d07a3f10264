package audio

import "github.com/zaf/g711"

// DecodeUlaw converts G.711 u-law telephony media to 16-bit linear PCM
// at the same sample rate.
func DecodeUlaw(payload []byte) []byte {
	return g711.DecodeUlaw(payload)
}

// EncodeUlaw converts 16-bit linear PCM to G.711 u-law.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// Resample converts 16-bit mono PCM between sample rates using linear
// interpolation. Adequate for speech; the telephony leg is already
// band-limited to 4 kHz so no filtering is applied.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	inSamples := len(pcm) / 2
	if inSamples == 0 {
		return nil
	}

	ratio := float64(fromRate) / float64(toRate)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= inSamples {
			break
		}

		s1 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s2 := int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		v := int16(float64(s1)*(1-frac) + float64(s2)*frac)

		out = append(out, byte(v&0xFF), byte((v>>8)&0xFF))
	}
	return out
}

// TelephonyToAI decodes one u-law media payload and resamples it to the
// AI leg's PCM format.
func TelephonyToAI(ulaw []byte) []byte {
	pcm := DecodeUlaw(ulaw)
	return Resample(pcm, TelephonyFormat().SampleRate, AIFormat().SampleRate)
}

// AIToTelephony resamples AI output PCM down to telephony rate and
// encodes it as u-law.
func AIToTelephony(pcm []byte) []byte {
	down := Resample(pcm, AIFormat().SampleRate, TelephonyFormat().SampleRate)
	return EncodeUlaw(down)
}
