//go:build !unix && !windows

package privilege

func elevated() bool {
	return false
}
