package constant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockConflicts_MatrixSymmetry(t *testing.T) {
	for a := LockAccessShare; a <= LockAccessExclusive; a++ {
		for b := LockAccessShare; b <= LockAccessExclusive; b++ {
			assert.Equal(t, LockConflicts(a, b), LockConflicts(b, a),
				"conflicts(%s, %s) must be symmetric", a, b)
		}
	}
}

func TestLockConflicts_DocumentedPairs(t *testing.T) {
	tests := []struct {
		name     string
		a        LockMode
		b        LockMode
		conflict bool
	}{
		{"access share is compatible with itself", LockAccessShare, LockAccessShare, false},
		{"access share is compatible with exclusive", LockAccessShare, LockExclusive, false},
		{"access share conflicts with access exclusive", LockAccessShare, LockAccessExclusive, true},
		{"row exclusive conflicts with access exclusive", LockRowExclusive, LockAccessExclusive, true},
		{"row exclusive is compatible with itself", LockRowExclusive, LockRowExclusive, false},
		{"row exclusive conflicts with share", LockRowExclusive, LockShare, true},
		{"share is compatible with itself", LockShare, LockShare, false},
		{"share update exclusive conflicts with itself", LockShareUpdateExclusive, LockShareUpdateExclusive, true},
		{"share row exclusive conflicts with itself", LockShareRowExclusive, LockShareRowExclusive, true},
		{"exclusive conflicts with row share", LockExclusive, LockRowShare, true},
		{"access exclusive conflicts with everything", LockAccessExclusive, LockAccessShare, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.conflict, LockConflicts(tt.a, tt.b))
		})
	}
}

func TestLockMode_String(t *testing.T) {
	assert.Equal(t, "ACCESS_SHARE", LockAccessShare.String())
	assert.Equal(t, "ACCESS_EXCLUSIVE", LockAccessExclusive.String())
	assert.Equal(t, "SHARE_UPDATE_EXCLUSIVE", LockShareUpdateExclusive.String())
	assert.Equal(t, "UNKNOWN", LockMode(42).String())
}

func TestLockMode_Weight(t *testing.T) {
	assert.Equal(t, 1, LockAccessShare.Weight())
	assert.Equal(t, 8, LockAccessExclusive.Weight())

	for m := LockAccessShare; m < LockAccessExclusive; m++ {
		assert.Less(t, m.Weight(), (m + 1).Weight())
	}
}

func TestParseLockMode(t *testing.T) {
	tests := []struct {
		input string
		want  LockMode
		ok    bool
	}{
		{"AccessExclusiveLock", LockAccessExclusive, true},
		{"ACCESS_EXCLUSIVE", LockAccessExclusive, true},
		{"RowExclusiveLock", LockRowExclusive, true},
		{"ShareUpdateExclusiveLock", LockShareUpdateExclusive, true},
		{"AccessShareLock", LockAccessShare, true},
		{"SomethingElse", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseLockMode(tt.input)
			assert.Equal(t, tt.ok, ok)

			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestLockMode_BlockingBehavior(t *testing.T) {
	assert.True(t, LockAccessExclusive.BlocksReads())
	assert.False(t, LockExclusive.BlocksReads())
	assert.False(t, LockShare.BlocksReads())

	assert.True(t, LockAccessExclusive.BlocksWrites())
	assert.True(t, LockExclusive.BlocksWrites())
	assert.True(t, LockShareRowExclusive.BlocksWrites())
	assert.True(t, LockShare.BlocksWrites())
	assert.False(t, LockShareUpdateExclusive.BlocksWrites())
	assert.False(t, LockRowExclusive.BlocksWrites())
}
