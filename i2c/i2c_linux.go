//go:build linux

package i2c

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"unsafe"
)

const (
	_I2C_RDWR = 0x0707
	_I2C_M_RD = 0x0001
)

// based on https://gist.github.com/tetsu-koba/33b339d26ac9c730fb09773acf39eac5

// i2cMsg mirrors struct i2c_msg from linux/i2c.h.
type i2cMsg struct {
	addr    uint16
	flags   uint16
	len     uint16
	padding uint16
	buf     uintptr
}

// i2cRdwrIoctlData mirrors struct i2c_rdwr_ioctl_data.
type i2cRdwrIoctlData struct {
	msgs  uintptr
	nmsgs uint32
}

func Open(busNumber BusNumber) (*Bus, error) {
	path := fmt.Sprintf(DevicePath, busNumber)
	f, err := os.OpenFile(path, syscall.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %d: %w", busNumber, err)
	}
	return &Bus{f: f}, nil
}

func (b *Bus) Close() error {
	if b == nil || b.f == nil {
		return nil
	}
	return b.f.Close()
}

// ReadWord reads a big endian register of a device.
func (b *Bus) ReadWord(address uint8, register uint8) (uint16, error) {
	out := []uint8{register}
	in := []uint8{0, 0}
	msgs := []i2cMsg{
		message(address, 0, out),
		message(address, _I2C_M_RD, in),
	}
	if err := b.transfer(msgs, out, in); err != nil {
		return 0, fmt.Errorf("read 0x%02x register 0x%02x: %w", address, register, err)
	}
	return uint16(in[0])<<8 | uint16(in[1]), nil
}

// WriteWord writes a big endian register of a device.
func (b *Bus) WriteWord(address uint8, register uint8, data uint16) error {
	out := []uint8{register, uint8(data >> 8), uint8(data)}
	if err := b.transfer([]i2cMsg{message(address, 0, out)}, out); err != nil {
		return fmt.Errorf("write 0x%02x register 0x%02x: %w", address, register, err)
	}
	return nil
}

func message(address uint8, flags uint16, buf []uint8) i2cMsg {
	return i2cMsg{
		addr:  uint16(address),
		flags: flags,
		len:   uint16(len(buf)),
		buf:   uintptr(unsafe.Pointer(&buf[0])),
	}
}

// transfer issues one I2C_RDWR ioctl. bufs are the message buffers, kept
// alive until the kernel is done with them.
func (b *Bus) transfer(msgs []i2cMsg, bufs ...[]uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := i2cRdwrIoctlData{
		msgs:  uintptr(unsafe.Pointer(&msgs[0])),
		nmsgs: uint32(len(msgs)),
	}
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		b.f.Fd(),
		uintptr(_I2C_RDWR),
		uintptr(unsafe.Pointer(&data)),
	)
	runtime.KeepAlive(msgs)
	runtime.KeepAlive(bufs)
	if errno != 0 {
		return errno
	}
	return nil
}
