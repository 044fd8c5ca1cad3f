// this file defines the data structures to be used throught
package main

import (
	"time"

	"github.com/himanshub16/upnext-juggler/radio"
)

// HistoryRecord is one entry leaving the queue, or a submission that was
// dropped before it got in.
type HistoryRecord struct {
	ID         int64  `json:"-" db:"id"`
	EntryID    string `json:"id" db:"entry_id"`
	Kind       string `json:"type" db:"kind"`
	Label      string `json:"filename" db:"label"`
	URL        string `json:"url,omitempty" db:"url"`
	Nick       string `json:"nick" db:"nick"`
	Address    string `json:"address" db:"address"`
	Priority   int    `json:"prio" db:"priority"`
	Reason     string `json:"reason" db:"reason"`
	AdmittedAt int64  `json:"admitted_at" db:"admitted_at"`
	RetiredAt  int64  `json:"retired_at" db:"retired_at"`
}

func newHistoryRecord(e radio.Entry, reason radio.RetireReason, at time.Time) HistoryRecord {
	rec := HistoryRecord{
		EntryID:   e.ID,
		Kind:      string(e.Kind),
		Label:     e.Label,
		Nick:      e.Nick,
		Address:   e.SubmitterID,
		Priority:  e.Priority,
		Reason:    string(reason),
		RetiredAt: at.Unix(),
	}
	// uploaded files are gone by now, links can still be replayed
	if e.Kind == radio.KindLink {
		rec.URL = e.Locator
	}
	if !e.AdmittedAt.IsZero() {
		rec.AdmittedAt = e.AdmittedAt.Unix()
	}
	return rec
}

// Submitter is an aggregate over the history.
type Submitter struct {
	Address string `json:"address" db:"address"`
	Nick    string `json:"nick" db:"nick"`
	Played  int64  `json:"played" db:"played"`
}
