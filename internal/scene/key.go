package scene

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

var (
	regionPattern = regexp.MustCompile(`aid(\d{4})`)
	datePattern   = regexp.MustCompile(`doy(\d{13})`)
)

// Key identifies a scene: one region on one acquisition date
type Key struct {
	RegionID int
	Date     string // 13-digit year + day-of-year + time token
}

// String renders the key as "<region-id>_<date>", the scene id used on the queue
func (k Key) String() string {
	return fmt.Sprintf("%d_%s", k.RegionID, k.Date)
}

// ExtractRegionID parses the 4-digit region token ("aid0007") from a file name.
// The second return value is false when the token is absent.
func ExtractRegionID(filename string) (int, bool) {
	m := regionPattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// ExtractDate parses the 13-character date token ("doy2024203153045") from a
// file name. The second return value is false when the token is absent.
func ExtractDate(filename string) (string, bool) {
	m := datePattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractKey parses both key components. ok is false when either is missing;
// such files cannot be grouped into a scene.
func ExtractKey(filename string) (key Key, ok bool) {
	id, hasID := ExtractRegionID(filename)
	date, hasDate := ExtractDate(filename)
	if !hasID || !hasDate {
		return Key{}, false
	}
	return Key{RegionID: id, Date: date}, true
}
