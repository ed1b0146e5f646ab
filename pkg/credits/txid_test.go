package credits

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxIDs_Deterministic(t *testing.T) {
	assert.Equal(t, GrantTxID("lemonsqueezy", "1001", "u1"), GrantTxID("lemonsqueezy", "1001", "u1"))
	assert.NotEqual(t, GrantTxID("lemonsqueezy", "1001", "u1"), GrantTxID("lemonsqueezy", "1002", "u1"))
	assert.NotEqual(t, GrantTxID("lemonsqueezy", "1001", "u1"), GrantTxID("admin", "1001", "u1"))

	assert.Equal(t, ConsumeTxID("u1", "s1"), ConsumeTxID("u1", "s1"))
	assert.NotEqual(t, ConsumeTxID("u1", "s1"), ConsumeTxID("u2", "s1"))

	assert.Equal(t, ConsumeTxID("u1", "s1"), ConsumeGenerationTxID("u1", "s1", 0))
	assert.NotEqual(t, ConsumeGenerationTxID("u1", "s1", 1), ConsumeGenerationTxID("u1", "s1", 2))
	assert.NotEqual(t, ConsumeTxID("u1", "s1"), ConsumeGenerationTxID("u1", "s1", 1))
}

func TestTxIDs_NoAmbiguousConcatenation(t *testing.T) {
	assert.NotEqual(t, ConsumeTxID("ab", "c"), ConsumeTxID("a", "bc"))
}

func TestRefundTxID(t *testing.T) {
	linked := RefundTxID("u1", 1, "reason", "consume_x")
	assert.Equal(t, linked, RefundTxID("u2", 5, "other", "consume_x"))
	assert.True(t, strings.HasPrefix(linked, "refund_"))

	assert.NotEqual(t, RefundTxID("u1", 1, "r", ""), RefundTxID("u1", 2, "r", ""))
}
