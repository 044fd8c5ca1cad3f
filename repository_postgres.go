package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func (r *PostgresRepository) InsertRecord(rec HistoryRecord) error {
	query := `
	  insert into history (entry_id, kind, label, url, nick, address,
	                       priority, reason, admitted_at, retired_at)
	  values (:entry_id, :kind, :label, :url, :nick, :address,
	          :priority, :reason, :admitted_at, :retired_at);`

	_, err := r.db.NamedExec(query, rec)
	return err
}

func (r *PostgresRepository) RecentRecords(limit int64) ([]HistoryRecord, error) {
	query := `
	  select id, entry_id, kind, label, url, nick, address,
	         priority, reason, admitted_at, retired_at
	  from history
	  order by id desc
	  limit $1;`

	records := make([]HistoryRecord, 0)
	err := r.db.Select(&records, query, limit)
	return records, err
}

func (r *PostgresRepository) TopSubmitters(limit int64) ([]Submitter, error) {
	query := `
	  select address, max(nick) as nick, count(*) as played
	  from history
	  where reason = 'played'
	  group by address
	  order by played desc, address
	  limit $1;`

	submitters := make([]Submitter, 0)
	err := r.db.Select(&submitters, query, limit)
	return submitters, err
}

func (r *PostgresRepository) close() {
	r.db.Close()
}

func NewPostgresRepository(dbUrl string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	// make sure the required tables exist
	historyTable := `
	  create table if not exists history (
		id bigserial primary key,
		entry_id text not null,
		kind text not null,
		label text,
		url text,
		nick text,
		address text not null,
		priority integer not null,
		reason text not null,
		admitted_at bigint,
		retired_at bigint not null
	  );`
	if _, err := db.Exec(historyTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}
