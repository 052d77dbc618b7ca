//go:build !linux

package platform

// DeviceID reports zero for every path on platforms without a cheap device
// query. Cross-volume renames still surface as EXDEV from rename itself.
func DeviceID(_ string) (uint64, error) {
	return 0, nil
}
