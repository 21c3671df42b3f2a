package repository

import (
	"database/sql"
	"errors"
)

// optional maps sql.ErrNoRows to a nil row. A missing call is not an error
// for Find* lookups.
func optional[T any](row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return row, nil
}
