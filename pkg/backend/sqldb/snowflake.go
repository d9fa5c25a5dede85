package sqldb

import (
	"strings"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Snowflake leases schemas inside the database named by the DSN. Names are
// upper-cased to match how Snowflake stores unquoted identifiers.
var Snowflake = &Dialect{
	Name:        "snowflake",
	Driver:      "snowflake",
	Description: "scratch Snowflake schemas",
	Ident:       strings.ToUpper,
	Quote: func(ident string) string {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	},
	ExistsQuery: "SELECT COUNT(*) FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?",
	Create: func(q string) []string {
		return []string{"CREATE OR REPLACE SCHEMA " + q}
	},
	Reset: func(q string) []string {
		return []string{"CREATE OR REPLACE SCHEMA " + q}
	},
	Drop: func(q string) string { return "DROP SCHEMA IF EXISTS " + q + " CASCADE" },
	Info: snowflakeInfo,
}

func snowflakeInfo(adminDSN, ident string) (resource.ConnectionInfo, error) {
	cfg, err := sf.ParseDSN(adminDSN)
	if err != nil {
		return nil, err
	}
	cfg.Schema = ident
	dsn, err := sf.DSN(cfg)
	if err != nil {
		return nil, err
	}
	return resource.ConnectionInfo{
		"account":   cfg.Account,
		"user":      cfg.User,
		"database":  cfg.Database,
		"schema":    ident,
		"warehouse": cfg.Warehouse,
		"role":      cfg.Role,
		"dsn":       dsn,
	}, nil
}
