package feedback

import "github.com/relaymesh/relaymesh/pkg/geo"

// EstimateMOS maps observed call metrics to a mean opinion score in
// [1, 4.5] using the simplified ITU-T G.107 E-model: one-way delay and
// jitter lower the transmission rating R, packet loss lowers it further,
// and R is converted to MOS with the standard cubic.
func EstimateMOS(latencyMs, jitterMs, packetLoss float64) float64 {
	effective := latencyMs + 2*jitterMs + 10
	r := 93.2
	if effective < 160 {
		r -= effective / 40
	} else {
		r -= (effective - 120) / 10
	}
	r -= 2.5 * packetLoss * 100
	r = geo.Clamp(r, 0, 100)
	mos := 1 + 0.035*r + 0.000007*r*(r-60)*(100-r)
	return geo.Clamp(mos, 1, 4.5)
}
