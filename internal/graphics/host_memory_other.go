//go:build !linux && !darwin && !freebsd

package graphics

func allocHostMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeHostMemory([]byte) error {
	return nil
}
