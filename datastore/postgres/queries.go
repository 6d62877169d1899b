package postgres

import "embed"

// Queries is an embedded filesystem containing all the SQL executed by this
// package.
//
// Files are named "queries/<prefix>/<method>_<name>.sql"; see
// [*storeCommon.call].
//
//go:embed queries
var queries embed.FS

// TableName is the table every query in this package touches.
const tableName = `pessimistic_locks`
