//go:build !linux

package i2c

func Open(busNumber BusNumber) (*Bus, error) {
	return nil, ErrNotImplemented
}

func (b *Bus) Close() error {
	return nil
}

func (b *Bus) ReadWord(address uint8, register uint8) (uint16, error) {
	return 0, ErrNotImplemented
}

func (b *Bus) WriteWord(address uint8, register uint8, data uint16) error {
	return ErrNotImplemented
}
