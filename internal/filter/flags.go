package filter

import (
	"bytes"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// Flags records which exclusion rules fired for one pixel. A pixel is kept
// only when no bit is set.
type Flags uint8

const (
	FlagQCInvalid Flags = 1 << 0
	FlagCloud     Flags = 1 << 1
	FlagLand      Flags = 1 << 2
)

// invalidQC holds the quality codes that mark a pixel unusable
var invalidQC = map[float64]struct{}{
	15:    {},
	2501:  {},
	3525:  {},
	65535: {},
}

// IsInvalidQC reports whether a QC value is in the invalid set
func IsInvalidQC(v float64) bool {
	_, ok := invalidQC[v]
	return ok
}

// Histogram counts pixels per flag value 0..7
type Histogram [8]int

// Total returns the number of pixels counted
func (h Histogram) Total() int {
	n := 0
	for _, c := range h {
		n += c
	}
	return n
}

// MarshalJSON writes only nonzero buckets, keyed by the flag value
func (h Histogram) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for i, c := range h {
		if c == 0 {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&buf, "%q:%d", strconv.Itoa(i), c)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the sparse form written by MarshalJSON
func (h *Histogram) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := jsoniter.Unmarshal(data, &m); err != nil {
		return err
	}
	*h = Histogram{}
	for k, v := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(h) {
			return fmt.Errorf("invalid histogram bucket %q", k)
		}
		h[i] = v
	}
	return nil
}
