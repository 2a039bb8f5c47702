package trackers

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// EulerToQuaternion converts roll (X), pitch (Y) and yaw (Z) in degrees to a
// unit quaternion using the aerospace convention. Real holds w; Imag, Jmag
// and Kmag hold x, y and z.
func EulerToQuaternion(roll, pitch, yaw float64) quat.Number {
	r := roll * math.Pi / 180 / 2
	p := pitch * math.Pi / 180 / 2
	y := yaw * math.Pi / 180 / 2

	sr, cr := math.Sincos(r)
	sp, cp := math.Sincos(p)
	sy, cy := math.Sincos(y)

	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// FromNumber narrows a gonum quaternion to the float32 wire representation.
func FromNumber(q quat.Number) Quaternion {
	return Quaternion{
		W: float32(q.Real),
		X: float32(q.Imag),
		Y: float32(q.Jmag),
		Z: float32(q.Kmag),
	}
}
