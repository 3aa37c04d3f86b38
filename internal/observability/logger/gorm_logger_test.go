package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationAndTableFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("SELECT * FROM queue_items WHERE id = ?"))
	assert.Equal(t, "queue_items", tableFromSQL("SELECT * FROM queue_items WHERE id = ?"))
	assert.Equal(t, "INSERT", operationFromSQL("WITH x AS (SELECT 1) INSERT INTO signed_receipts VALUES (?)"))
	assert.Equal(t, "signed_receipts", tableFromSQL(`INSERT INTO "signed_receipts" (id) VALUES (?)`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestTouchesSecrets(t *testing.T) {
	assert.True(t, touchesSecrets("UPDATE device_profiles SET encrypted_private_key = ?"))
	assert.False(t, touchesSecrets("SELECT * FROM queue_items"))
}

func TestOperationFromSQL_SkipsSubqueries(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE queue_items SET status = ? WHERE id IN (SELECT id FROM queue_items)"))
	assert.Equal(t, "DELETE", operationFromSQL("WITH stale AS ( SELECT id FROM breaker_states ) DELETE FROM breaker_states"))
}
