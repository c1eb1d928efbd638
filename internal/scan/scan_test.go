package scan

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/WSFix/internal/memory"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantLen    int
		capture    int
		captureLen int
		wantErr    error
	}{
		{name: "literals", in: "D9 05 00 10", wantLen: 4, capture: -1},
		{name: "wildcards", in: "D9 ?? ? 10", wantLen: 4, capture: -1},
		{name: "capture run", in: "A1 ** ** ** ** 8B", wantLen: 6, capture: 1, captureLen: 4},
		{name: "single star", in: "68 * * 00", wantLen: 4, capture: 1, captureLen: 2},
		{name: "lowercase hex", in: "d9 e8 ff", wantLen: 3, capture: -1},
		{name: "empty", in: "   ", wantErr: ErrPatternEmpty},
		{name: "bad hex", in: "D9 GZ", wantErr: ErrPatternToken},
		{name: "three digits", in: "D90", wantErr: ErrPatternToken},
		{name: "split capture", in: "** 90 **", wantErr: ErrPatternCapture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, p.Len())
			assert.Equal(t, tt.capture, p.Capture)
			assert.Equal(t, tt.captureLen, p.CaptureLen)
		})
	}
}

func TestPatternString(t *testing.T) {
	p := MustParse("d9 ? 05 ** ** 90")
	assert.Equal(t, "D9 ?? 05 ** ** 90", p.String())

	again, err := Parse(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestFindIgnoresWildcardValues(t *testing.T) {
	p := MustParse("D9 05 ?? ?? ?? ?? D8 0D ** ** ** **")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		data := make([]byte, 256)
		rng.Read(data)
		// Clear any accidental literal prefix before planting the signature.
		for j := range data {
			if data[j] == 0xD9 {
				data[j] = 0x00
			}
		}
		at := rng.Intn(len(data) - p.Len())
		for k := range p.Bytes {
			if p.Mask[k] {
				data[at+k] = p.Bytes[k]
			}
		}
		require.Equal(t, at, Find(data, p), "iteration %d", i)
	}
}

func TestFindEdges(t *testing.T) {
	p := MustParse("AA BB")

	assert.Equal(t, -1, Find(nil, p))
	assert.Equal(t, -1, Find([]byte{0xAA}, p))
	assert.Equal(t, 0, Find([]byte{0xAA, 0xBB}, p))
	assert.Equal(t, 3, Find([]byte{0, 0, 0xAA, 0xAA, 0xBB}, p))
	assert.Equal(t, []int{0, 2}, FindAll([]byte{0xAA, 0xBB, 0xAA, 0xBB}, p))
}

func newModule(t *testing.T, data []byte) (*memory.Buffer, memory.Module) {
	t.Helper()
	buf := memory.NewBuffer(data, 0x400000, memory.ProtRX, 4)
	return buf, buf.Module("game.exe")
}

func TestScannerCapture(t *testing.T) {
	data := make([]byte, 64)
	copy(data[20:], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x78, 0x56, 0x34, 0x12})
	buf, mod := newModule(t, data)

	p := MustParse("AA BB CC DD ** ** ** **")
	m, err := NewScanner(buf).Scan(mod, p)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x400000+20), m.Start)
	assert.Equal(t, uintptr(0x400000+24), m.Addr)

	raw, err := ReadCapture(buf, m, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x12345678), Uint(raw))
}

func TestScannerNotFound(t *testing.T) {
	buf, mod := newModule(t, make([]byte, 32))

	_, err := NewScanner(buf).Scan(mod, MustParse("DE AD"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewScanner(buf).ScanAll(mod, MustParse("DE AD"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanBatchAllOrNothing(t *testing.T) {
	data := make([]byte, 128)
	copy(data[10:], []byte{0xD9, 0x05, 0x11, 0x22})
	copy(data[50:], []byte{0xC7, 0x41, 0x40})
	buf, mod := newModule(t, data)
	s := NewScanner(buf)

	matches, err := s.ScanBatch(mod, MustParse("D9 05 ?? ??"), MustParse("C7 41 40"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, uintptr(0x400000+10), matches[0].Addr)
	assert.Equal(t, uintptr(0x400000+50), matches[1].Addr)

	matches, err = s.ScanBatch(mod, MustParse("D9 05 ?? ??"), MustParse("F3 0F 10"), MustParse("C7 41 40"))
	assert.Nil(t, matches)
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, []string{"F3 0F 10"}, batchErr.Missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanQueriesAll(t *testing.T) {
	data := make([]byte, 64)
	aspect := []byte{0x39, 0x8E, 0xE3, 0x3F}
	copy(data[4:], aspect)
	copy(data[30:], aspect)
	copy(data[60:], aspect)
	buf, mod := newModule(t, data)

	results, err := NewScanner(buf).ScanQueries(mod, []Query{
		{Name: "aspect", Pattern: MustParse("39 8E E3 3F"), All: true},
	})
	require.NoError(t, err)
	require.Len(t, results[0].Matches, 3)
	assert.Equal(t, uintptr(0x400000+60), results[0].Matches[2].Start)
}
