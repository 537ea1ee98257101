package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	// gorm translates the error when TranslateError is enabled
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "duplicate key value violates unique constraint"): // PostgreSQL 23505
		return true
	case strings.Contains(msg, "Error 1062"): // MySQL
		return true
	case strings.Contains(msg, "UNIQUE constraint failed"): // SQLite 2067
		return true
	}
	return false
}
