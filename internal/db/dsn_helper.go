package db

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// defaultStatementTimeout bounds every result write and history query
const defaultStatementTimeout = time.Minute

// tuneDSN tags the connection with the harvester's application name and a
// server-side statement timeout. Values already present in the DSN win.
func tuneDSN(dsn, appName string, statementTimeout time.Duration) string {
	if dsn == "" {
		return dsn
	}
	if statementTimeout <= 0 {
		statementTimeout = defaultStatementTimeout
	}
	dsn = setDSNParam(dsn, "application_name", appName)
	return setDSNParam(dsn, "statement_timeout", strconv.FormatInt(statementTimeout.Milliseconds(), 10))
}

// setDSNParam appends key=value to a URL or key=value style DSN unless
// the key is already set
func setDSNParam(dsn, key, value string) string {
	if value == "" || strings.Contains(dsn, key+"=") {
		return dsn
	}

	if isURLDSN(dsn) {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + key + "=" + url.QueryEscape(value)
	}
	return dsn + " " + key + "=" + value
}

func isURLDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://")
}
