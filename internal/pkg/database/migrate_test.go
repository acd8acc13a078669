package database

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	body, err := migrationFiles.ReadFile(names[0])
	require.NoError(t, err)

	sql := string(body)
	for _, table := range []string{"credit_batches", "user_credit_aggregate", "credit_transactions", "credit_alerts"} {
		assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
	assert.Contains(t, sql, "GENERATED ALWAYS AS (total_credits - used_credits - expired_credits) STORED")
	assert.Contains(t, sql, "credits_remaining + credits_used = credits_purchased")
}
