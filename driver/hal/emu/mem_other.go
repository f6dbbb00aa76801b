//go:build !unix

package emu

func allocRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeRegion(mem []byte) error {
	return nil
}
