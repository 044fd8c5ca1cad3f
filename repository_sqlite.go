package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteRepository struct {
	db *sqlx.DB
}

func (r *SQLiteRepository) InsertRecord(rec HistoryRecord) error {
	query := `
	  insert into history (entry_id, kind, label, url, nick, address,
	                       priority, reason, admitted_at, retired_at)
	  values (:entry_id, :kind, :label, :url, :nick, :address,
	          :priority, :reason, :admitted_at, :retired_at);`

	_, err := r.db.NamedExec(query, rec)
	return err
}

func (r *SQLiteRepository) RecentRecords(limit int64) ([]HistoryRecord, error) {
	query := `
	  select id, entry_id, kind, label, url, nick, address,
	         priority, reason, admitted_at, retired_at
	  from history
	  order by id desc
	  limit ?;`

	records := make([]HistoryRecord, 0)
	err := r.db.Select(&records, query, limit)
	return records, err
}

func (r *SQLiteRepository) TopSubmitters(limit int64) ([]Submitter, error) {
	query := `
	  select address, max(nick) as nick, count(*) as played
	  from history
	  where reason = 'played'
	  group by address
	  order by played desc, address
	  limit ?;`

	submitters := make([]Submitter, 0)
	err := r.db.Select(&submitters, query, limit)
	return submitters, err
}

func (r *SQLiteRepository) close() {
	r.db.Close()
}

func NewSQLiteRepository(filePath string) (*SQLiteRepository, error) {
	if filePath == "" {
		filePath = "db.sqlite3"
	}
	db, err := sqlx.Open("sqlite3", filePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filePath, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	// make sure the required tables exist
	historyTable := `
	  create table if not exists history (
		id integer primary key autoincrement,
		entry_id text not null,
		kind text not null,
		label text,
		url text,
		nick text,
		address text not null,
		priority integer not null,
		reason text not null,
		admitted_at integer,
		retired_at integer not null
	  );`
	if _, err := db.Exec(historyTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}
