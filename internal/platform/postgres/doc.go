// Package postgres implements the persistence contracts over PostgreSQL
// using database/sql with the pgx driver.
package postgres
