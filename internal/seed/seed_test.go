package seed

import (
	"testing"

	"github.com/nusalink/ispbill/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestEnsureDefaultPlansIsIdempotent(t *testing.T) {
	conn := testutil.OpenDB(t)

	require.NoError(t, EnsureDefaultPlans(conn))
	require.NoError(t, EnsureDefaultPlans(conn))

	var count int64
	require.NoError(t, conn.Raw(`SELECT COUNT(*) FROM plans`).Scan(&count).Error)
	require.EqualValues(t, len(defaultPlans), count)

	var updatedAt string
	require.NoError(t, conn.Raw(
		`SELECT updated_at FROM plans WHERE code = 'home-50'`,
	).Scan(&updatedAt).Error)
	require.NotEmpty(t, updatedAt)
}

func TestEnsureDemoDataSeedsCustomer(t *testing.T) {
	conn := testutil.OpenDB(t)

	require.NoError(t, EnsureDemoData(conn))
	require.NoError(t, EnsureDemoData(conn))

	var customers int64
	require.NoError(t, conn.Raw(
		`SELECT COUNT(*) FROM customers WHERE email = ?`, demoEmail,
	).Scan(&customers).Error)
	require.EqualValues(t, 1, customers)
}
