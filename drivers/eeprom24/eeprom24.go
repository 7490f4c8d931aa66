// Package eeprom24 drives 24AAxx-style I2C EEPROMs used as the persistent
// store backend. Writes are split into device pages with ACK polling
// between pages (the EEPROM NACKs new requests until the internal write
// cycle finished).
package eeprom24

import (
	"errors"

	"tinygo.org/x/drivers"
)

const (
	// default 8-bit address 0b1010000x as 7-bit
	AddressDefault = 0x50

	ackPollRetries = 100
)

var ErrWriteTimeout = errors.New("eeprom24: ack polling timed out")

// Config selects the device geometry.
type Config struct {
	Address  uint16
	PageSize int // 8 for 24AA01, 32 for 24AA32
	Size     int // total capacity in bytes
}

// Device is one EEPROM on an I2C bus. It implements the persist.Storage
// contract.
type Device struct {
	i2c      drivers.I2C
	addr     uint16
	pageSize int
	size     int

	// fixed buffer: page + 2 address bytes
	w [34]byte
}

func New(i2c drivers.I2C, cfg Config) *Device {
	if cfg.Address == 0 {
		cfg.Address = AddressDefault
	}
	if cfg.PageSize == 0 || cfg.PageSize > 32 {
		cfg.PageSize = 32
	}
	if cfg.Size == 0 {
		cfg.Size = 4096
	}
	return &Device{i2c: i2c, addr: cfg.Address, pageSize: cfg.PageSize, size: cfg.Size}
}

func (d *Device) Capacity() int { return d.size }

func (d *Device) Read(offset int, p []byte) error {
	if offset+len(p) > d.size {
		return errors.New("eeprom24: read beyond capacity")
	}
	d.w[0] = byte(offset >> 8)
	d.w[1] = byte(offset)
	return d.i2c.Tx(d.addr, d.w[:2], p)
}

func (d *Device) Write(offset int, p []byte) error {
	if offset+len(p) > d.size {
		return errors.New("eeprom24: write beyond capacity")
	}

	for pos, n := 0, 0; pos < len(p); pos += n {
		addr := offset + pos
		d.w[0] = byte(addr >> 8)
		d.w[1] = byte(addr)

		// never cross a page boundary: the device wraps within a page
		n = d.pageSize - addr%d.pageSize
		if rem := len(p) - pos; rem < n {
			n = rem
		}
		copy(d.w[2:], p[pos:pos+n])

		if err := d.i2c.Tx(d.addr, d.w[:2+n], nil); err != nil {
			return err
		}

		// ACK polling: the EEPROM ignores requests until the write
		// cycle finished.
		polled := false
		for i := 0; i < ackPollRetries; i++ {
			if err := d.i2c.Tx(d.addr, d.w[:2], nil); err == nil {
				polled = true
				break
			}
		}
		if !polled {
			return ErrWriteTimeout
		}
	}
	return nil
}
