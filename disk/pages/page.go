package pages

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrCapacityExceeded = errors.New("value does not fit in page")

const (
	intSize   = 4
	shortSize = 2
	dateSize  = 8
)

// Page is a fixed capacity byte area holding the content of one block. Ints and shorts are stored big endian,
// dates as unix milliseconds, and blobs as a 4 byte length followed by the bytes. Strings use one byte per
// character; characters outside ASCII are stored as '?'.
type Page struct {
	buf []byte
}

func NewPage(blockSize int) *Page {
	return &Page{buf: make([]byte, blockSize)}
}

// NewPageFromBytes wraps b without copying it.
func NewPageFromBytes(b []byte) *Page {
	return &Page{buf: b}
}

// MaxLength returns the number of bytes needed to store a string of strlen characters.
func MaxLength(strlen int) int {
	return intSize + strlen
}

func (p *Page) Size() int {
	return len(p.buf)
}

// Contents returns the underlying bytes of the page.
func (p *Page) Contents() []byte {
	return p.buf
}

func (p *Page) Clear() {
	clear(p.buf)
}

func (p *Page) fits(offset, n int) bool {
	return offset >= 0 && n >= 0 && offset+n <= len(p.buf)
}

func (p *Page) checkFits(offset, n int) error {
	if !p.fits(offset, n) {
		return fmt.Errorf("%w: %d bytes at offset %d, page size %d", ErrCapacityExceeded, n, offset, len(p.buf))
	}
	return nil
}

func (p *Page) mustFit(offset, n int) {
	if err := p.checkFits(offset, n); err != nil {
		panic(err)
	}
}

func (p *Page) Int(offset int) int32 {
	p.mustFit(offset, intSize)
	return int32(binary.BigEndian.Uint32(p.buf[offset:]))
}

func (p *Page) SetInt(offset int, v int32) error {
	if err := p.checkFits(offset, intSize); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.buf[offset:], uint32(v))
	return nil
}

func (p *Page) Short(offset int) int16 {
	p.mustFit(offset, shortSize)
	return int16(binary.BigEndian.Uint16(p.buf[offset:]))
}

func (p *Page) SetShort(offset int, v int16) error {
	if err := p.checkFits(offset, shortSize); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(p.buf[offset:], uint16(v))
	return nil
}

func (p *Page) Bool(offset int) bool {
	p.mustFit(offset, 1)
	return p.buf[offset] == 1
}

func (p *Page) SetBool(offset int, v bool) error {
	if err := p.checkFits(offset, 1); err != nil {
		return err
	}
	if v {
		p.buf[offset] = 1
	} else {
		p.buf[offset] = 0
	}
	return nil
}

func (p *Page) Date(offset int) time.Time {
	p.mustFit(offset, dateSize)
	return time.UnixMilli(int64(binary.BigEndian.Uint64(p.buf[offset:])))
}

func (p *Page) SetDate(offset int, v time.Time) error {
	if err := p.checkFits(offset, dateSize); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p.buf[offset:], uint64(v.UnixMilli()))
	return nil
}

// Bytes returns a copy of the blob stored at offset.
func (p *Page) Bytes(offset int) ([]byte, error) {
	if err := p.checkFits(offset, intSize); err != nil {
		return nil, err
	}
	n := int(int32(binary.BigEndian.Uint32(p.buf[offset:])))
	if err := p.checkFits(offset+intSize, n); err != nil {
		return nil, err
	}

	res := make([]byte, n)
	copy(res, p.buf[offset+intSize:])
	return res, nil
}

func (p *Page) SetBytes(offset int, b []byte) error {
	if err := p.checkFits(offset, intSize+len(b)); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p.buf[offset:], uint32(len(b)))
	copy(p.buf[offset+intSize:], b)
	return nil
}

// Raw returns a copy of the n bytes at offset, whatever they hold.
func (p *Page) Raw(offset, n int) ([]byte, error) {
	if err := p.checkFits(offset, n); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.buf[offset:offset+n]...), nil
}

// SetRaw copies b to offset without a length prefix.
func (p *Page) SetRaw(offset int, b []byte) error {
	if err := p.checkFits(offset, len(b)); err != nil {
		return err
	}
	copy(p.buf[offset:], b)
	return nil
}

func (p *Page) String(offset int) (string, error) {
	b, err := p.Bytes(offset)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Page) SetString(offset int, s string) error {
	return p.SetBytes(offset, []byte(ASCII(s)))
}

// ASCII returns s as it will be stored by SetString.
func ASCII(s string) string {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 127 {
			r = '?'
		}
		b = append(b, byte(r))
	}
	return string(b)
}
