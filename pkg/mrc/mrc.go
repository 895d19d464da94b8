// Package mrc reads MRC2014 image stacks section by section and writes
// single-section MRC files. Section payloads are handled as raw bytes so a
// split image is byte-identical to the corresponding slice of its stack.
package mrc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomoprep/internal/models"
)

// HeaderSize is the fixed size of the MRC main header
const HeaderSize = 1024

// Byte offsets of the header words used here
const (
	offNX      = 0
	offNY      = 4
	offNZ      = 8
	offMode    = 12
	offNZStart = 24
	offMX      = 28
	offMY      = 32
	offMZ      = 36
	offCellA   = 40
	offDMin    = 76
	offDMax    = 80
	offDMean   = 84
	offISPG    = 88
	offNSymBT  = 92
	offExtType = 104
	offNVer    = 108
	offMap     = 208
	offMachST  = 212
	offRMS     = 216
)

// Header is a decoded MRC main header. The raw bytes are kept so fields
// this package does not interpret (origin, labels) survive a rewrite.
type Header struct {
	raw   [HeaderSize]byte
	order binary.ByteOrder

	NX, NY, NZ int32
	Mode       int32
	MX, MY, MZ int32
	CellA      [3]float32
	ISPG       int32
	NSymBT     int32
}

// NewHeader builds a little-endian header for an nx x ny x nz volume
func NewHeader(nx, ny, nz int, mode int32) *Header {
	h := &Header{
		order: binary.LittleEndian,
		NX:    int32(nx),
		NY:    int32(ny),
		NZ:    int32(nz),
		Mode:  mode,
		MX:    int32(nx),
		MY:    int32(ny),
		MZ:    int32(nz),
		CellA: [3]float32{float32(nx), float32(ny), float32(nz)},
	}
	copy(h.raw[offMap:], "MAP ")
	h.raw[offMachST] = 0x44
	h.raw[offMachST+1] = 0x44
	for i := 0; i < 3; i++ {
		h.putFloat32(52+4*i, 90)       // CELLB
		h.putInt32(64+4*i, int32(i+1)) // MAPC, MAPR, MAPS
	}
	h.order.PutUint32(h.raw[offNVer:], 20141)
	h.markStatisticsUndetermined()
	return h
}

// ReadHeader decodes a header from r
func ReadHeader(r io.Reader) (*Header, error) {
	h := &Header{}
	if _, err := io.ReadFull(r, h.raw[:]); err != nil {
		return nil, fmt.Errorf("reading MRC header: %w", err)
	}
	h.order = detectByteOrder(h.raw[:])

	h.NX = h.int32At(offNX)
	h.NY = h.int32At(offNY)
	h.NZ = h.int32At(offNZ)
	h.Mode = h.int32At(offMode)
	h.MX = h.int32At(offMX)
	h.MY = h.int32At(offMY)
	h.MZ = h.int32At(offMZ)
	for i := range h.CellA {
		h.CellA[i] = math.Float32frombits(h.order.Uint32(h.raw[offCellA+4*i:]))
	}
	h.ISPG = h.int32At(offISPG)
	h.NSymBT = h.int32At(offNSymBT)

	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 {
		return nil, fmt.Errorf("invalid MRC dimensions %dx%dx%d", h.NX, h.NY, h.NZ)
	}
	if h.NSymBT < 0 {
		return nil, fmt.Errorf("invalid extended header size %d", h.NSymBT)
	}
	if _, err := h.SectionBytes(); err != nil {
		return nil, err
	}
	return h, nil
}

// detectByteOrder uses the machine stamp, falling back to a plausibility
// check of the mode word for files written without one
func detectByteOrder(raw []byte) binary.ByteOrder {
	switch raw[offMachST] {
	case 0x44, 0x41:
		return binary.LittleEndian
	case 0x11:
		return binary.BigEndian
	}
	if _, err := bytesPerVoxel(int32(binary.LittleEndian.Uint32(raw[offMode:]))); err == nil {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (h *Header) int32At(off int) int32 {
	return int32(h.order.Uint32(h.raw[off:]))
}

func (h *Header) putInt32(off int, v int32) {
	h.order.PutUint32(h.raw[off:], uint32(v))
}

func (h *Header) putFloat32(off int, v float32) {
	h.order.PutUint32(h.raw[off:], math.Float32bits(v))
}

// ByteOrder returns the byte order of the header and data
func (h *Header) ByteOrder() binary.ByteOrder {
	return h.order
}

func bytesPerVoxel(mode int32) (int, error) {
	switch mode {
	case 0:
		return 1, nil
	case 1, 6, 12:
		return 2, nil
	case 2, 3:
		return 4, nil
	case 4:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported MRC mode %d", mode)
}

// SectionBytes is the size of one section's data block
func (h *Header) SectionBytes() (int64, error) {
	bpv, err := bytesPerVoxel(h.Mode)
	if err != nil {
		return 0, err
	}
	return int64(h.NX) * int64(h.NY) * int64(bpv), nil
}

// DataOffset is where section data starts
func (h *Header) DataOffset() int64 {
	return HeaderSize + int64(h.NSymBT)
}

// SingleSection returns a header describing one section of h: nz and mz
// become 1, the cell keeps the z voxel size and the extended header is
// dropped. Density statistics are marked undetermined until
// SetStatistics is called.
func (h *Header) SingleSection() *Header {
	out := *h
	voxelZ := float32(1)
	if h.MZ > 0 && h.CellA[2] > 0 {
		voxelZ = h.CellA[2] / float32(h.MZ)
	}
	out.NZ, out.MZ = 1, 1
	out.CellA[2] = voxelZ
	out.NSymBT = 0
	out.putInt32(offNZStart, 0)
	copy(out.raw[offExtType:offExtType+4], []byte{0, 0, 0, 0})
	out.markStatisticsUndetermined()
	return &out
}

func (h *Header) markStatisticsUndetermined() {
	// MRC2014: DMAX < DMIN and DMEAN < both mean "not determined", RMS < 0 likewise
	h.putFloat32(offDMin, 0)
	h.putFloat32(offDMax, -1)
	h.putFloat32(offDMean, -2)
	h.putFloat32(offRMS, -1)
}

// Statistics are the density values of an MRC header
type Statistics struct {
	Min, Max, Mean float64

	// RMS is the deviation from Mean
	RMS float64
}

// SetStatistics records st in the header
func (h *Header) SetStatistics(st Statistics) {
	h.putFloat32(offDMin, float32(st.Min))
	h.putFloat32(offDMax, float32(st.Max))
	h.putFloat32(offDMean, float32(st.Mean))
	h.putFloat32(offRMS, float32(st.RMS))
}

// Statistics returns the density values stored in the header and whether
// they are determined
func (h *Header) Statistics() (Statistics, bool) {
	f := func(off int) float64 {
		return float64(math.Float32frombits(h.order.Uint32(h.raw[off:])))
	}
	st := Statistics{Min: f(offDMin), Max: f(offDMax), Mean: f(offDMean), RMS: f(offRMS)}
	return st, st.Max >= st.Min && st.RMS >= 0
}

// ComputeStatistics measures values; it must not be empty
func ComputeStatistics(values []float64) Statistics {
	mean, std := stat.PopMeanStdDev(values, nil)
	return Statistics{
		Min:  floats.Min(values),
		Max:  floats.Max(values),
		Mean: mean,
		RMS:  std,
	}
}

// DecodeSection converts the raw bytes of one section to densities. Modes
// 3, 4 (complex) and 12 (half float) are not decoded.
func DecodeSection(h *Header, data []byte) ([]float64, error) {
	bpv, err := bytesPerVoxel(h.Mode)
	if err != nil {
		return nil, err
	}
	if len(data)%bpv != 0 {
		return nil, fmt.Errorf("section of %d bytes is not a multiple of %d", len(data), bpv)
	}
	out := make([]float64, len(data)/bpv)
	o := h.order
	for i := range out {
		b := data[i*bpv:]
		switch h.Mode {
		case 0:
			out[i] = float64(int8(b[0]))
		case 1:
			out[i] = float64(int16(o.Uint16(b)))
		case 6:
			out[i] = float64(o.Uint16(b))
		case 2:
			out[i] = float64(math.Float32frombits(o.Uint32(b)))
		default:
			return nil, fmt.Errorf("cannot decode MRC mode %d", h.Mode)
		}
	}
	return out, nil
}

// MarshalBinary encodes the header with its current field values
func (h *Header) MarshalBinary() ([]byte, error) {
	tmp := *h
	tmp.putInt32(offNX, h.NX)
	tmp.putInt32(offNY, h.NY)
	tmp.putInt32(offNZ, h.NZ)
	tmp.putInt32(offMode, h.Mode)
	tmp.putInt32(offMX, h.MX)
	tmp.putInt32(offMY, h.MY)
	tmp.putInt32(offMZ, h.MZ)
	for i, v := range h.CellA {
		tmp.putFloat32(offCellA+4*i, v)
	}
	tmp.putInt32(offISPG, h.ISPG)
	tmp.putInt32(offNSymBT, h.NSymBT)
	return tmp.raw[:], nil
}

// Stack is an open MRC file read one section at a time
type Stack struct {
	path   string
	file   *os.File
	header *Header
	secLen int64
}

// Open opens an MRC stack and checks that the file holds every section
// its header declares
func Open(path string) (*Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	secLen, _ := h.SectionBytes()

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	need := h.DataOffset() + secLen*int64(h.NZ)
	if info.Size() < need {
		f.Close()
		return nil, fmt.Errorf("%s: truncated data block, have %d bytes, header needs %d", path, info.Size(), need)
	}

	return &Stack{path: path, file: f, header: h, secLen: secLen}, nil
}

// Close releases the underlying file
func (s *Stack) Close() error {
	return s.file.Close()
}

// Header returns the stack header
func (s *Stack) Header() *Header {
	return s.header
}

// Sections returns the number of images in the stack
func (s *Stack) Sections() int {
	return int(s.header.NZ)
}

// Describe summarizes the stack as a model record
func (s *Stack) Describe() models.TiltSeriesStack {
	return models.TiltSeriesStack{
		Path:     s.path,
		Sections: s.Sections(),
		NX:       int(s.header.NX),
		NY:       int(s.header.NY),
		Mode:     s.header.Mode,
	}
}

// ReadSection returns the raw bytes of the 0-based section z
func (s *Stack) ReadSection(z int) ([]byte, error) {
	if z < 0 || z >= s.Sections() {
		return nil, fmt.Errorf("section %d out of range [0..%d)", z, s.Sections())
	}
	buf := make([]byte, s.secLen)
	off := s.header.DataOffset() + int64(z)*s.secLen
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("%s: reading section %d: %w", s.path, z, err)
	}
	return buf, nil
}

// WriteImage writes a header followed by data. The data length must match
// the header's dimensions.
func WriteImage(w io.Writer, h *Header, data ...[]byte) error {
	secLen, err := h.SectionBytes()
	if err != nil {
		return err
	}
	if int64(len(data)) != int64(h.NZ) {
		return fmt.Errorf("header declares %d sections, got %d", h.NZ, len(data))
	}
	raw, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if h.NSymBT > 0 {
		if _, err := w.Write(make([]byte, h.NSymBT)); err != nil {
			return err
		}
	}
	for i, sec := range data {
		if int64(len(sec)) != secLen {
			return fmt.Errorf("section %d has %d bytes, expected %d", i, len(sec), secLen)
		}
		if _, err := w.Write(sec); err != nil {
			return err
		}
	}
	return nil
}

// EncodeFloat32 packs values as mode-2 section bytes in the given order
func EncodeFloat32(order binary.ByteOrder, values []float32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, order, values)
	return buf.Bytes()
}
