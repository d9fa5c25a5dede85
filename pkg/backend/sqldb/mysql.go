package sqldb

import (
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// MySQL leases databases. MySQL has no schemas below a database, so reset
// recreates the database.
var MySQL = &Dialect{
	Name:        "mysql",
	Driver:      "mysql",
	Description: "scratch MySQL databases",
	Ident:       func(name string) string { return name },
	Quote: func(ident string) string {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	},
	ExistsQuery: "SELECT COUNT(*) FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?",
	Create: func(q string) []string {
		return []string{"DROP DATABASE IF EXISTS " + q, "CREATE DATABASE " + q}
	},
	Reset: func(q string) []string {
		return []string{"DROP DATABASE IF EXISTS " + q, "CREATE DATABASE " + q}
	},
	Drop: func(q string) string { return "DROP DATABASE IF EXISTS " + q },
	Info: mysqlInfo,
}

func mysqlInfo(adminDSN, ident string) (resource.ConnectionInfo, error) {
	cfg, err := mysql.ParseDSN(adminDSN)
	if err != nil {
		return nil, err
	}
	cfg.DBName = ident

	info := resource.ConnectionInfo{
		"user":     cfg.User,
		"database": ident,
		"dsn":      cfg.FormatDSN(),
	}
	if host, port, err := net.SplitHostPort(cfg.Addr); err == nil {
		info["host"] = host
		info["port"] = port
	} else {
		info["host"] = cfg.Addr
	}
	return info, nil
}
