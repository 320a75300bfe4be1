// Package migrations embeds the SQL schema history of the grading event log.
package migrations
