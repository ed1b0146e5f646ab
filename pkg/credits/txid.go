package credits

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Transaction IDs are derived from stable inputs so that a retried request,
// a redelivered webhook or a double-clicked button lands on the same
// document and becomes a no-op.

// GrantTxID derives the ID of a grant from its source, a per-grant reference
// (usually the provider order ID) and the user.
func GrantTxID(source, reference, userID string) string {
	return txID(TxTypeGrant, source, reference, userID)
}

// ConsumeTxID derives the ID of the first consumption of a spec.
func ConsumeTxID(userID, specID string) string {
	return ConsumeGenerationTxID(userID, specID, 0)
}

// ConsumeGenerationTxID derives the ID of a consumption after gen earlier
// consumptions of the same spec were refunded.
func ConsumeGenerationTxID(userID, specID string, gen int) string {
	if gen == 0 {
		return txID(TxTypeConsume, userID, specID)
	}
	return txID(TxTypeConsume, userID, specID, strconv.Itoa(gen))
}

// RefundTxID derives the ID of a refund. A refund of a known transaction is
// keyed by that transaction alone so it can happen at most once.
func RefundTxID(userID string, amount int, reason, originalTxID string) string {
	if originalTxID != "" {
		return txID(TxTypeRefund, originalTxID)
	}
	return txID(TxTypeRefund, userID, reason, strconv.Itoa(amount))
}

func txID(kind TxType, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return string(kind) + "_" + hex.EncodeToString(h[:20])
}
