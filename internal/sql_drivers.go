package internal

import (
	// Registered for the sql and riverqueue drivers, selected by name in config.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
