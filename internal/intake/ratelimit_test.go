package intake_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cncaiprojem/projem-sub008/internal/intake"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := intake.NewLimiter(100, 2, 2)
	assert.True(t, l.Allow("owner-1"))
	assert.True(t, l.Allow("owner-1"))
}

func TestLimiter_RejectsBeyondOwnerBurst(t *testing.T) {
	l := intake.NewLimiter(100, 1, 1)
	assert.True(t, l.Allow("owner-1"))
	assert.False(t, l.Allow("owner-1"), "second immediate call exceeds the owner's burst of 1")
}

func TestLimiter_PerOwnerBucketsAreIndependent(t *testing.T) {
	l := intake.NewLimiter(100, 1, 1)
	assert.True(t, l.Allow("owner-1"))
	assert.True(t, l.Allow("owner-2"), "a saturated owner must not affect a different owner's bucket")
}

func TestLimiter_RejectsBeyondGlobalBurst(t *testing.T) {
	l := intake.NewLimiter(1, 100, 1)
	assert.True(t, l.Allow("owner-1"))
	assert.False(t, l.Allow("owner-2"), "global burst of 1 rejects a second owner's request even though their own bucket has room")
}
