package i2c

import (
	"errors"
	"os"
	"sync"
)

type BusNumber int

const (
	Bus1 BusNumber = 1
	Bus2 BusNumber = 2
	Bus3 BusNumber = 3
	Bus4 BusNumber = 4
)

const DevicePath = "/dev/bone/i2c/%d"

var ErrNotImplemented = errors.New("i2c: not implemented on this platform")

// Bus is an open i2c character device. Transfers are serialized so that
// one device can be polled from several goroutines.
type Bus struct {
	mu sync.Mutex
	f  *os.File
}
