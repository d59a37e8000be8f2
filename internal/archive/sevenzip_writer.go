package archive

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"unicode/utf16"

	"github.com/ulikunitz/xz/lzma"
)

// 7z property ids.
const (
	szEnd              = 0x00
	szHeader           = 0x01
	szMainStreamsInfo  = 0x04
	szFilesInfo        = 0x05
	szPackInfo         = 0x06
	szUnpackInfo       = 0x07
	szSubStreamsInfo   = 0x08
	szSize             = 0x09
	szCRC              = 0x0A
	szFolder           = 0x0B
	szCodersUnpackSize = 0x0C
	szEmptyStream      = 0x0E
	szEmptyFile        = 0x0F
	szName             = 0x11
	szWinAttributes    = 0x15
)

const (
	szStartBytes     = 32
	szAESCyclesPower = 19

	// 8 MiB dictionary; the LZMA2 property byte 22 decodes to the same size.
	szLZMA2DictCap  = 1 << 23
	szLZMA2DictProp = 22

	szAttrDirectory     = 0x10
	szAttrArchive       = 0x20
	szAttrUnixExtension = 0x8000
)

var (
	szSignature = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
	szLZMA2Coder = []byte{0x21}
	szAESCoder   = []byte{0x06, 0xF1, 0x07, 0x01}
)

type szEntry struct {
	name      string
	mode      fs.FileMode
	unpacked  uint64
	coded     uint64 // LZMA2 output, the AES input when encrypted
	packed    uint64
	crc       uint32
	iv        []byte
	hasStream bool
}

// writeSevenZip stores each input in its own folder. Content is compressed
// with LZMA2, and the LZMA2 stream is run through 7zAES when a password is
// set. Headers are written in the clear, so member names stay listable.
func writeSevenZip(ctx context.Context, f *os.File, inputs []source, password string) error {
	if _, err := f.Write(make([]byte, szStartBytes)); err != nil {
		return ioErr("reserve 7z start header", err)
	}

	var key []byte
	if password != "" {
		key = sevenZipKey(password, nil, szAESCyclesPower)
	}

	entries := make([]szEntry, 0, len(inputs))
	var packed uint64
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := szEntry{name: in.name, mode: in.mode}
		if in.mode.IsDir() || in.size == 0 {
			entries = append(entries, e)
			continue
		}
		if err := writeSevenZipStream(f, in, key, &e); err != nil {
			return err
		}
		packed += e.packed
		entries = append(entries, e)
	}

	header := sevenZipHeader(entries, key != nil)
	if _, err := f.Write(header); err != nil {
		return ioErr("write 7z header", err)
	}

	start := make([]byte, szStartBytes)
	copy(start, szSignature)
	start[6], start[7] = 0, 4
	binary.LittleEndian.PutUint64(start[12:], packed)
	binary.LittleEndian.PutUint64(start[20:], uint64(len(header)))
	binary.LittleEndian.PutUint32(start[28:], crc32.ChecksumIEEE(header))
	binary.LittleEndian.PutUint32(start[8:], crc32.ChecksumIEEE(start[12:32]))
	if _, err := f.WriteAt(start, 0); err != nil {
		return ioErr("write 7z start header", err)
	}
	return nil
}

func writeSevenZipStream(w io.Writer, in source, key []byte, e *szEntry) error {
	src, err := in.open()
	if err != nil {
		return ioErr("open source", err)
	}
	defer src.Close()

	var (
		dst io.Writer = w
		enc *cbcWriter
	)
	if key != nil {
		e.iv = make([]byte, aes.BlockSize)
		if _, err := rand.Read(e.iv); err != nil {
			return ioErr("generate iv", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return ioErr("init aes", err)
		}
		enc = &cbcWriter{w: w, mode: cipher.NewCBCEncrypter(block, e.iv)}
		dst = enc
	}

	coded := &countingWriter{w: dst}
	lz, err := lzma.Writer2Config{DictCap: szLZMA2DictCap}.NewWriter2(coded)
	if err != nil {
		return ioErr("init lzma2", err)
	}
	sum := crc32.NewIEEE()
	n, err := io.Copy(io.MultiWriter(lz, sum), src)
	if err != nil {
		return ioErr("write "+in.name, err)
	}
	if err := lz.Close(); err != nil {
		return ioErr("write "+in.name, err)
	}
	e.unpacked, e.coded, e.packed = uint64(n), uint64(coded.n), uint64(coded.n)
	if enc != nil {
		if err := enc.Close(); err != nil {
			return ioErr("write "+in.name, err)
		}
		e.packed = uint64(enc.written)
	}
	e.crc = sum.Sum32()
	e.hasStream = e.unpacked > 0
	return nil
}

func sevenZipHeader(entries []szEntry, encrypted bool) []byte {
	var b bytes.Buffer
	b.WriteByte(szHeader)

	var streams []szEntry
	for _, e := range entries {
		if e.hasStream {
			streams = append(streams, e)
		}
	}

	if len(streams) > 0 {
		b.WriteByte(szMainStreamsInfo)

		b.WriteByte(szPackInfo)
		writeNumber(&b, 0)
		writeNumber(&b, uint64(len(streams)))
		b.WriteByte(szSize)
		for _, s := range streams {
			writeNumber(&b, s.packed)
		}
		b.WriteByte(szEnd)

		b.WriteByte(szUnpackInfo)
		b.WriteByte(szFolder)
		writeNumber(&b, uint64(len(streams)))
		b.WriteByte(0)
		for _, s := range streams {
			if !encrypted {
				writeNumber(&b, 1)
				writeCoder(&b, szLZMA2Coder, []byte{szLZMA2DictProp})
				continue
			}
			// Coder 0 decompresses the output of coder 1, which decrypts
			// the packed stream.
			writeNumber(&b, 2)
			writeCoder(&b, szLZMA2Coder, []byte{szLZMA2DictProp})
			writeCoder(&b, szAESCoder, sevenZipAESProps(s.iv))
			writeNumber(&b, 0)
			writeNumber(&b, 1)
		}
		b.WriteByte(szCodersUnpackSize)
		for _, s := range streams {
			writeNumber(&b, s.unpacked)
			if encrypted {
				writeNumber(&b, s.coded)
			}
		}
		b.WriteByte(szEnd)

		b.WriteByte(szSubStreamsInfo)
		b.WriteByte(szCRC)
		b.WriteByte(1)
		for _, s := range streams {
			var crc [4]byte
			binary.LittleEndian.PutUint32(crc[:], s.crc)
			b.Write(crc[:])
		}
		b.WriteByte(szEnd)

		b.WriteByte(szEnd)
	}

	b.WriteByte(szFilesInfo)
	writeNumber(&b, uint64(len(entries)))

	var emptyStream, emptyFile []bool
	for _, e := range entries {
		emptyStream = append(emptyStream, !e.hasStream)
		if !e.hasStream {
			emptyFile = append(emptyFile, !e.mode.IsDir())
		}
	}
	if len(emptyFile) > 0 {
		vec := bitVector(emptyStream)
		b.WriteByte(szEmptyStream)
		writeNumber(&b, uint64(len(vec)))
		b.Write(vec)

		vec = bitVector(emptyFile)
		b.WriteByte(szEmptyFile)
		writeNumber(&b, uint64(len(vec)))
		b.Write(vec)
	}

	var names bytes.Buffer
	names.WriteByte(0)
	for _, e := range entries {
		for _, u := range utf16.Encode([]rune(e.name)) {
			names.WriteByte(byte(u))
			names.WriteByte(byte(u >> 8))
		}
		names.Write([]byte{0, 0})
	}
	b.WriteByte(szName)
	writeNumber(&b, uint64(names.Len()))
	b.Write(names.Bytes())

	b.WriteByte(szWinAttributes)
	writeNumber(&b, uint64(2+4*len(entries)))
	b.WriteByte(1)
	b.WriteByte(0)
	for _, e := range entries {
		var attr [4]byte
		binary.LittleEndian.PutUint32(attr[:], sevenZipAttributes(e.mode))
		b.Write(attr[:])
	}

	b.WriteByte(szEnd)
	b.WriteByte(szEnd)
	return b.Bytes()
}

// writeNumber emits the variable-length 7z NUMBER encoding: the count of
// leading one bits in the first byte gives the number of little-endian
// bytes that follow.
func writeNumber(b *bytes.Buffer, v uint64) {
	var first byte
	mask := byte(0x80)
	i := 0
	for ; i < 8; i++ {
		if v < uint64(1)<<(7*(i+1)) {
			first |= byte(v >> (8 * i))
			break
		}
		first |= mask
		mask >>= 1
	}
	b.WriteByte(first)
	for ; i > 0; i-- {
		b.WriteByte(byte(v))
		v >>= 8
	}
}

// writeCoder emits a simple coder: one input, one output, with properties.
func writeCoder(b *bytes.Buffer, id, props []byte) {
	b.WriteByte(byte(len(id)) | 0x20)
	b.Write(id)
	writeNumber(b, uint64(len(props)))
	b.Write(props)
}

func bitVector(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

func sevenZipAttributes(mode fs.FileMode) uint32 {
	unix := uint32(mode.Perm())
	attr := uint32(szAttrUnixExtension)
	switch {
	case mode.IsDir():
		unix |= 0o040000
		attr |= szAttrDirectory
	case mode&fs.ModeSymlink != 0:
		unix |= 0o120000
		attr |= szAttrArchive
	default:
		unix |= 0o100000
		attr |= szAttrArchive
	}
	if mode&fs.ModeSetuid != 0 {
		unix |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		unix |= 0o2000
	}
	return attr | unix<<16
}

// sevenZipAESProps encodes the cycle count and a 16-byte IV with no salt.
func sevenZipAESProps(iv []byte) []byte {
	props := []byte{szAESCyclesPower | 0x40, byte(len(iv) - 1)}
	return append(props, iv...)
}

// sevenZipKey derives the AES-256 key: SHA-256 over 2^cycles repetitions
// of salt, UTF-16LE password and a little-endian round counter.
func sevenZipKey(password string, salt []byte, cycles uint) []byte {
	var pw []byte
	for _, u := range utf16.Encode([]rune(password)) {
		pw = append(pw, byte(u), byte(u>>8))
	}
	h := sha256.New()
	var ctr [8]byte
	for i := uint64(0); i < 1<<cycles; i++ {
		h.Write(salt)
		h.Write(pw)
		binary.LittleEndian.PutUint64(ctr[:], i)
		h.Write(ctr[:])
	}
	return h.Sum(nil)
}

// cbcWriter encrypts whole blocks as they fill and zero-pads the tail on
// Close.
type cbcWriter struct {
	w       io.Writer
	mode    cipher.BlockMode
	buf     []byte
	written int64
}

func (c *cbcWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	full := len(c.buf) / aes.BlockSize * aes.BlockSize
	if full > 0 {
		c.mode.CryptBlocks(c.buf[:full], c.buf[:full])
		if _, err := c.w.Write(c.buf[:full]); err != nil {
			return 0, err
		}
		c.written += int64(full)
		c.buf = append(c.buf[:0], c.buf[full:]...)
	}
	return len(p), nil
}

func (c *cbcWriter) Close() error {
	if len(c.buf) == 0 {
		return nil
	}
	pad := make([]byte, aes.BlockSize-len(c.buf))
	c.buf = append(c.buf, pad...)
	c.mode.CryptBlocks(c.buf, c.buf)
	if _, err := c.w.Write(c.buf); err != nil {
		return err
	}
	c.written += int64(len(c.buf))
	c.buf = c.buf[:0]
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
