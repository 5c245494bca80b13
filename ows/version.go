package ows

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeVersion expands "1" to "1.0.0" and "1.2" to "1.2.0". Three part
// versions pass through untouched, anything without a numeric major
// component normalises to the empty string.
func NormalizeVersion(version string) string {
	version = Normalize(version)
	if version == "" {
		return ""
	}
	parts := strings.Split(version, ".")
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return ""
	}
	if len(parts) == 1 {
		return fmt.Sprintf("%d.0.0", major)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Sprintf("%d.0.0", major)
	}
	if len(parts) == 2 {
		return fmt.Sprintf("%d.%d.0", major, minor)
	}
	return version
}

// CompareVersions orders dotted versions component by component, numeric
// components numerically. Missing components count as zero.
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		ca, cb := "0", "0"
		if i < len(pa) {
			ca = pa[i]
		}
		if i < len(pb) {
			cb = pb[i]
		}
		ia, errA := strconv.Atoi(ca)
		ib, errB := strconv.Atoi(cb)
		var c int
		if errA == nil && errB == nil {
			switch {
			case ia < ib:
				c = -1
			case ia > ib:
				c = 1
			}
		} else {
			c = strings.Compare(ca, cb)
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// VersionsEqual compares two versions, "1.1" equals "1.1.0".
func VersionsEqual(a, b string) bool {
	return CompareVersions(a, b) == 0
}
