package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckString_RejectsDenylistedCharacters(t *testing.T) {
	bad := []string{
		`O'Brien`, `a;b`, `a#b`, `a*b`, `a/b`, `a\b`, `a?b`,
		`a<b`, `a>b`, `a|b`, `a:b`, `a b`,
		"a--b", "a/*b", "a*/b", "a--+b",
	}
	for _, s := range bad {
		assert.False(t, CheckString(s), "expected %q to be rejected", s)
	}
}

func TestCheckString_AcceptsIdentifierShapedInput(t *testing.T) {
	good := []string{"alice", "room_1", "m1", "uuid-1", "ZhaoYun2024"}
	for _, s := range good {
		assert.True(t, CheckString(s), "expected %q to be accepted", s)
	}
}

func TestHexLiteral_EncodesBytesAsHex(t *testing.T) {
	lit := HexLiteral("pw")
	assert.Equal(t, "X'7077'", lit)
}
