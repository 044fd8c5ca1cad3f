package main

import (
	"context"
	"errors"
	"mime/multipart"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/himanshub16/upnext-juggler/radio"
)

const historyBacklog = 256

var ErrHistoryDisabled = errors.New("history is disabled")

// Submission says who submits a track and how it relates to their other
// submissions.
type Submission struct {
	Address  string
	Nick     string
	Label    string
	UploadID string
	ParentID string
}

type Service interface {
	SubmitLink(ctx context.Context, sub Submission, url string) (radio.Result, error)
	EnqueueLink(ctx context.Context, sub Submission, url string) error
	SubmitUpload(sub Submission, fh *multipart.FileHeader) error
	Cancel(id, address string) bool
	Skip()
	Clear()
	Queue() radio.Snapshot
	Download(id string) (radio.Descriptor, bool)
	History(limit int64) ([]HistoryRecord, error)
	TopSubmitters(limit int64) ([]Submitter, error)
	close()
}

type ServiceImpl struct {
	radio       *radio.Radio
	historyRepo HistoryRepository
	youtube     *YoutubeClient
	uploadDir   string
	log         zerolog.Logger

	mu      sync.Mutex
	closed  bool
	history chan HistoryRecord
	wg      sync.WaitGroup
}

// NewService records history when historyRepo is set and resolves link
// titles when youtube is set; both may be nil.
func NewService(historyRepo HistoryRepository, youtube *YoutubeClient, uploadDir string, logger zerolog.Logger) *ServiceImpl {
	s := &ServiceImpl{
		historyRepo: historyRepo,
		youtube:     youtube,
		uploadDir:   uploadDir,
		log:         logger.With().Str("component", "service").Logger(),
	}
	if historyRepo != nil {
		s.history = make(chan HistoryRecord, historyBacklog)
		s.wg.Add(1)
		go s.recordHistory()
	}
	return s
}

func (s *ServiceImpl) attach(r *radio.Radio) {
	s.radio = r
}

func (s *ServiceImpl) SubmitLink(ctx context.Context, sub Submission, url string) (radio.Result, error) {
	c, err := s.linkCandidate(ctx, sub, url)
	if err != nil {
		return radio.Result{}, err
	}
	return s.radio.Submit(ctx, c)
}

// EnqueueLink queues a link behind the submitter's earlier enqueued
// tracks and returns without waiting for a parent.
func (s *ServiceImpl) EnqueueLink(ctx context.Context, sub Submission, url string) error {
	c, err := s.linkCandidate(ctx, sub, url)
	if err != nil {
		return err
	}
	return s.radio.Enqueue(c)
}

func (s *ServiceImpl) linkCandidate(ctx context.Context, sub Submission, url string) (radio.Candidate, error) {
	label := sub.Label
	if label == "" && s.youtube != nil {
		title, err := s.youtube.Title(ctx, url)
		switch {
		case err == nil:
			label = title
		case !errors.Is(err, ErrNotYoutube):
			s.log.Debug().Err(err).Str("url", url).Msg("could not resolve link title")
		}
	}

	c, err := radio.NewLinkCandidate(sub.Address, sub.Nick, label, url)
	if err != nil {
		return radio.Candidate{}, err
	}
	return c.WithUpload(sub.UploadID, sub.ParentID), nil
}

// SubmitUpload stores the file and queues it. The stored file is removed
// again unless the radio took it.
func (s *ServiceImpl) SubmitUpload(sub Submission, fh *multipart.FileHeader) error {
	path, err := saveUpload(s.uploadDir, fh)
	if err != nil {
		return err
	}
	label := sub.Label
	if label == "" {
		label = fh.Filename
	}
	c, err := radio.NewFileCandidate(sub.Address, sub.Nick, label, path)
	if err == nil {
		err = s.radio.Enqueue(c.WithUpload(sub.UploadID, sub.ParentID))
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (s *ServiceImpl) Cancel(id, address string) bool {
	return s.radio.Cancel(id, address)
}

func (s *ServiceImpl) Skip() {
	s.radio.Skip()
}

func (s *ServiceImpl) Clear() {
	s.radio.Clear()
}

func (s *ServiceImpl) Queue() radio.Snapshot {
	return s.radio.List()
}

func (s *ServiceImpl) Download(id string) (radio.Descriptor, bool) {
	return s.radio.Download(id)
}

func (s *ServiceImpl) History(limit int64) ([]HistoryRecord, error) {
	if s.historyRepo == nil {
		return nil, ErrHistoryDisabled
	}
	return s.historyRepo.RecentRecords(limit)
}

func (s *ServiceImpl) TopSubmitters(limit int64) ([]Submitter, error) {
	if s.historyRepo == nil {
		return nil, ErrHistoryDisabled
	}
	return s.historyRepo.TopSubmitters(limit)
}

// RecordRetirement is the radio's retire hook. It runs with the radio
// locked, so the write happens later on the recorder goroutine.
func (s *ServiceImpl) RecordRetirement(e radio.Entry, reason radio.RetireReason) {
	if s.history == nil {
		return
	}
	rec := newHistoryRecord(e, reason, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.history <- rec:
	default:
		s.log.Warn().Str("id", e.ID).Msg("history backlog full, record dropped")
	}
}

func (s *ServiceImpl) recordHistory() {
	defer s.wg.Done()
	for rec := range s.history {
		if err := s.historyRepo.InsertRecord(rec); err != nil {
			s.log.Warn().Err(err).Str("id", rec.EntryID).Msg("failed to record history")
		}
	}
}

// close flushes pending history and closes the repository. The radio
// must be stopped first.
func (s *ServiceImpl) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.history != nil {
		close(s.history)
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.historyRepo != nil {
		s.historyRepo.close()
	}
}
