package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestWrapNotFound(t *testing.T) {
	assert.NoError(t, WrapNotFound(nil))
	assert.True(t, IsNotFound(WrapNotFound(pgx.ErrNoRows)))

	other := errors.New("connection reset")
	wrapped := WrapNotFound(other)
	assert.False(t, IsNotFound(wrapped))
	assert.ErrorIs(t, wrapped, other)
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "patients_national_id_key"}
	assert.True(t, IsUniqueViolation(dup))
	assert.True(t, IsUniqueViolation(WrapNotFound(dup)), "detection must survive wrapping")
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", dup)))

	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("duplicate key")))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
}
