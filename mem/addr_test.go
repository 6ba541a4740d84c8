package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageNumberRoundTrip(t *testing.T) {
	pa := Pa_t(0x1234_5000)
	assert.Equal(t, pa, pa.Pgn().Addr())

	va := Va_t(0x7fff_f000)
	assert.Equal(t, va, va.Pgn().Addr())
}

func TestRoundingAgreesWithPageBoundaries(t *testing.T) {
	assert.Equal(t, Va_t(0x1000), Va_t(0x1001).Rounddown())
	assert.Equal(t, Va_t(0x2000), Va_t(0x1001).Roundup())
	assert.Equal(t, Va_t(0x1000), Va_t(0x1000).Roundup())
	assert.Equal(t, Pa_t(0), Pa_t(0xfff).Rounddown())
}

func TestVpnRangeFromUnalignedAddresses(t *testing.T) {
	r := NewVpnRange(0x1001, 0x3001)
	assert.Equal(t, Vpn_t(1), r.Start)
	assert.Equal(t, Vpn_t(4), r.End)
	assert.Equal(t, 3, r.Len())
}

func TestVpnRangeContainsAndOverlaps(t *testing.T) {
	r := NewVpnRange(0x1000, 0x4000)
	assert.True(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.True(t, r.Contains(3))
	assert.False(t, r.Contains(4))
	assert.False(t, r.Contains(0))

	assert.True(t, r.Overlaps(NewVpnRange(0x3000, 0x5000)))
	assert.False(t, r.Overlaps(NewVpnRange(0x4000, 0x5000)))
	assert.False(t, r.Overlaps(NewVpnRange(0x0, 0x1000)))
}

func TestVpnRangeIterVisitsEveryPageInOrder(t *testing.T) {
	r := NewVpnRange(0x2000, 0x5000)
	var got []Vpn_t
	r.Iter(func(vpn Vpn_t) bool {
		got = append(got, vpn)
		return true
	})
	assert.Equal(t, []Vpn_t{2, 3, 4}, got)
}

func TestVpnRangeIterStopsEarly(t *testing.T) {
	r := NewVpnRange(0x0, 0x5000)
	n := 0
	r.Iter(func(vpn Vpn_t) bool {
		n++
		return vpn < 2
	})
	assert.Equal(t, 3, n)
}

func TestNewVpnRangeEmptyWhenStartEqualsEnd(t *testing.T) {
	r := NewVpnRange(0x1000, 0x1000)
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Contains(1))
}
