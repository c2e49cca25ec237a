// Package store defines the persistence abstractions shared by database
// implementations: the DBTX connection/transaction interface and the common
// error taxonomy.
package store
