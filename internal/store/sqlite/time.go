package sqlite

import "time"

// timeLayout matches the default format modernc.org/sqlite's strftime
// default uses for schema_migrations.applied_at, so every timestamp
// column in the store sorts and parses the same way.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
