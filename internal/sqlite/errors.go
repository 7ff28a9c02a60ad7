package sqlite

import "strings"

// isForeignKeyViolation reports whether err is a SQLite foreign key
// constraint failure.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
