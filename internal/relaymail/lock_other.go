//go:build !unix

package relaymail

func lockDir(dir string) (func() error, error) {
	return func() error { return nil }, nil
}
