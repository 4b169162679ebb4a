package reglo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The pump accepts rate, volume and time arguments only in fixed-width
// numeric encodings. All encoders operate on the magnitude of their input;
// sign and direction go out as a separate protocol field. Out-of-range
// values clamp, they never error.

// maxTenths is the longest duration the pump can represent: 999 hours in
// tenths of a second.
const maxTenths = 35964000

// sci renders |v| in scientific notation with three significant mantissa
// digits and splits it into the pieces the volume encodings are built from.
func sci(v float64) (mantissa string, expSign byte, expMag int) {
	s := fmt.Sprintf("%.2e", math.Abs(v)) // e.g. "2.50e+01"
	mantissa = s[:1] + s[2:4]
	expSign = s[5]
	expMag, _ = strconv.Atoi(s[6:])
	return mantissa, expSign, expMag
}

// Volume2 encodes a rate or volume as "volume type 2": three mantissa digits
// followed by the exponent digit. Volume2(25.0) == "2501".
func Volume2(v float64) string {
	mantissa, _, expMag := sci(v)
	return mantissa + strconv.Itoa(expMag)
}

// Volume1 encodes a rate or volume as "volume type 1": like Volume2 but with
// a literal 'E' and an explicit exponent sign. Volume1(25.0) == "250E+1".
func Volume1(v float64) string {
	mantissa, expSign, expMag := sci(v)
	return mantissa + "E" + string(expSign) + strconv.Itoa(expMag)
}

// Discrete2 encodes a decimal value as "discrete type 2": the whole and
// fractional digits concatenated, trailing zeros stripped, zero-padded to
// four digits. Discrete2(3.17) == "0317".
func Discrete2(v float64) string {
	digits := strings.Replace(decimal.NewFromFloat(math.Abs(v)).String(), ".", "", 1)
	n, _ := strconv.ParseInt(digits, 10, 64)
	return fmt.Sprintf("%04d", n)
}

// Discrete3 encodes an integer as "discrete type 3", zero-padded to six
// digits.
func Discrete3(n int) string {
	if n < 0 {
		n = -n
	}
	return fmt.Sprintf("%06d", n)
}

func tenths(d time.Duration) int64 {
	t := d.Milliseconds() / 100
	if t < 0 {
		t = -t
	}
	if t > maxTenths {
		t = maxTenths
	}
	return t
}

// Time1 encodes a duration as "time type 1": tenths of a second, clamped to
// 999 hours, as a plain decimal integer.
func Time1(d time.Duration) string {
	return strconv.FormatInt(tenths(d), 10)
}

// Time2 encodes a duration as "time type 2": like Time1 but zero-padded to
// eight digits. Time2(time.Minute) == "00000600".
func Time2(d time.Duration) string {
	return fmt.Sprintf("%08d", tenths(d))
}
