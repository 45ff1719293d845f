//go:build !linux

package timing

func pinCurrentThread(cpu int) error {
	return nil
}
