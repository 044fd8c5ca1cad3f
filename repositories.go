package main

import (
	"fmt"
	"net/url"
)

type HistoryRepository interface {
	InsertRecord(rec HistoryRecord) error
	RecentRecords(limit int64) ([]HistoryRecord, error)
	TopSubmitters(limit int64) ([]Submitter, error)
	close()
}

// NewHistoryRepository picks the backend from the scheme of dbUrl.
func NewHistoryRepository(dbUrl string) (HistoryRepository, error) {
	u, err := url.Parse(dbUrl)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	switch u.Scheme {
	case "sqlite":
		return NewSQLiteRepository(u.Host + u.Path)
	case "postgres", "postgresql":
		return NewPostgresRepository(dbUrl)
	}
	return nil, fmt.Errorf("unsupported database scheme %q", u.Scheme)
}
