package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPteEncodesPPNAndFlags(t *testing.T) {
	pte := NewPte(0x123, PermR|PermW)
	assert.True(t, pte.Valid())
	assert.True(t, pte.Readable())
	assert.True(t, pte.Writable())
	assert.False(t, pte.Executable())
	assert.Equal(t, Pfn_t(0x123), pte.PPN())
}

func TestPteAllows(t *testing.T) {
	ro := NewPte(1, PermR)
	assert.True(t, ro.Allows(false, false))
	assert.False(t, ro.Allows(true, false))
	assert.False(t, ro.Allows(false, true))

	rwx := NewPte(1, PermR|PermW|PermX)
	assert.True(t, rwx.Allows(true, true))

	var invalid Pte_t
	assert.False(t, invalid.Allows(false, false))
}

func TestPteAccessedAndDirtyBits(t *testing.T) {
	pte := NewPte(1, PermR|PteA|PteD)
	assert.True(t, pte.Accessed())
	assert.True(t, pte.Dirty())

	pte &^= PteA
	assert.False(t, pte.Accessed())
	assert.True(t, pte.Dirty())
}
