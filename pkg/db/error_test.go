package db

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":       {nil, false},
		"gorm":      {fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		"postgres":  {errors.New(`ERROR: duplicate key value violates unique constraint "entitlements_subject_course_key"`), true},
		"sqlite":    {errors.New("UNIQUE constraint failed: entitlements.subject_id, entitlements.course_id"), true},
		"unrelated": {errors.New("connection refused"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestIsUnavailableErr(t *testing.T) {
	if !IsUnavailableErr(errors.New("dial tcp: connect: connection refused")) {
		t.Fatalf("expected connection refused to be unavailable")
	}
	if IsUnavailableErr(gorm.ErrRecordNotFound) {
		t.Fatalf("record not found is not an availability failure")
	}
}

func TestDialectRejectsMySQL(t *testing.T) {
	if _, err := Dialect(Config{Type: "mysql"}); err == nil {
		t.Fatalf("expected mysql to be rejected")
	}
	if _, err := Dialect(Config{Type: "sqlite", Path: "file::memory:"}); err != nil {
		t.Fatalf("sqlite dialect: %v", err)
	}
}
