package idempotency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	at := time.Date(2024, 1, 2, 9, 5, 10, 0, time.UTC)

	k1 := GenerateKey("PAT-1", 0, "k-1-0", true, at)
	k2 := GenerateKey("PAT-1", 0, "k-1-0", true, at.Add(40*time.Second))
	assert.Equal(t, k1, k2, "same minute collapses")
	assert.Len(t, k1, 64)

	assert.NotEqual(t, k1, GenerateKey("PAT-1", 0, "k-1-0", false, at))
	assert.NotEqual(t, k1, GenerateKey("PAT-1", 1, "k-1-0", true, at))
	assert.NotEqual(t, k1, GenerateKey("PAT-2", 0, "k-1-0", true, at))
	assert.NotEqual(t, k1, GenerateKey("PAT-1", 0, "k-1-0", true, at.Add(time.Minute)))

	loc := time.FixedZone("IST", 5*3600+1800)
	assert.Equal(t, k1, GenerateKey("PAT-1", 0, "k-1-0", true, at.In(loc)))
}

func TestScopedKey(t *testing.T) {
	assert.NotEqual(t, ScopedKey("PAT-1", "abc"), ScopedKey("PAT-2", "abc"))
	assert.Equal(t, ScopedKey("PAT-1", "abc"), ScopedKey("PAT-1", "abc"))
}

func TestTerminal(t *testing.T) {
	base := errors.New("invalid medicine index")
	err := Terminal(base)

	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Terminal(nil))
}
