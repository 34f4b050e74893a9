// Package helpers holds small byte utilities shared by the signing code.
package helpers

// CompareBytes orders byte strings lexicographically, shorter prefixes
// first. It returns -1, 0 or 1.
func CompareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
