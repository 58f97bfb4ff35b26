package repositories

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslatePgError(t *testing.T) {
	other := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: ErrNotFound},
		{name: "wrapped no rows", err: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: ErrConflict},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, want: ErrNotFound},
		{name: "other", err: other, want: other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translatePgError(tt.err); !errors.Is(got, tt.want) {
				t.Fatalf("expected %v got %v", tt.want, got)
			}
		})
	}

	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) || isUniqueViolation(other) {
		t.Fatal("unexpected unique violation classification")
	}
}
