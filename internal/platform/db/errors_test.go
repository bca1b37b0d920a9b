package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := fmt.Errorf("save bom: %w", &pgconn.PgError{Code: code})
		require.True(t, IsRetryable(err), code)
	}
	require.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}

func TestIsConstraintViolation(t *testing.T) {
	for _, code := range []string{"23502", "23514"} {
		require.True(t, IsConstraintViolation(fmt.Errorf("insert component: %w", &pgconn.PgError{Code: code})), code)
	}
	require.False(t, IsConstraintViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsConstraintViolation(errors.New("boom")))
}
