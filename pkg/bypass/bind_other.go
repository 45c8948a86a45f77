//go:build !linux && !darwin

package bypass

func bindToDevice(int, string, string) error { return ErrUnsupported }

func setMark(int, int) error { return ErrUnsupported }
