package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatpilot/internal/models"
	"chatpilot/internal/queue"
	"chatpilot/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	acked    []string
	failed   []string
	errs     map[string]error
	extended map[string]time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{errs: make(map[string]error), extended: make(map[string]time.Duration)}
}

func (q *fakeQueue) ClaimNext(context.Context, models.Kind) (*models.Job, error) {
	return nil, nil
}

func (q *fakeQueue) ExtendLease(_ context.Context, jobID string, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended[jobID] = extension
	return nil
}

func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, jobID)
	q.errs[jobID] = jobErr
	return nil
}

type enqueued struct {
	kind    models.Kind
	payload any
	opts    queue.Options
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, kind models.Kind, payload any, opts queue.Options) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	e.calls = append(e.calls, enqueued{kind: kind, payload: payload, opts: opts})
	return "job-" + string(kind), nil
}

type fakeAI struct {
	reply string
	err   error
	calls int
}

func (a *fakeAI) Complete(context.Context, string, string, string) (string, error) {
	a.calls++
	return a.reply, a.err
}

type fakeMessages struct {
	inserted []models.Message
	sent     map[string]string
	failed   []string
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{sent: make(map[string]string)}
}

func (m *fakeMessages) InsertMessage(_ context.Context, msg models.Message) error {
	m.inserted = append(m.inserted, msg)
	return nil
}

func (m *fakeMessages) MarkMessageSent(_ context.Context, id, providerMessageID string) error {
	m.sent[id] = providerMessageID
	return nil
}

func (m *fakeMessages) MarkMessageFailed(_ context.Context, id string) error {
	m.failed = append(m.failed, id)
	return nil
}

type fakeSender struct {
	providerID string
	err        error
	calls      int
}

func (s *fakeSender) Send(context.Context, string, string, string) (string, error) {
	s.calls++
	return s.providerID, s.err
}

type fakePublisher struct {
	events []string
}

func (p *fakePublisher) Publish(_ context.Context, _ string, event string, _ any) error {
	p.events = append(p.events, event)
	return nil
}

type fakeAppointments struct {
	appts map[string]models.Appointment
}

func (a *fakeAppointments) GetAppointment(_ context.Context, id string) (models.Appointment, error) {
	appt, ok := a.appts[id]
	if !ok {
		return models.Appointment{}, store.ErrNotFound
	}
	return appt, nil
}

type fakeDocuments struct {
	docs    map[string]models.Document
	indexed map[string]string
	failed  []string
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: make(map[string]models.Document), indexed: make(map[string]string)}
}

func (d *fakeDocuments) MarkDocumentFailed(_ context.Context, id string) error {
	d.failed = append(d.failed, id)
	return nil
}

func (d *fakeDocuments) GetDocument(_ context.Context, id string) (models.Document, error) {
	doc, ok := d.docs[id]
	if !ok {
		return models.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (d *fakeDocuments) MarkDocumentIndexed(_ context.Context, id, storageKey string) error {
	d.indexed[id] = storageKey
	return nil
}

type fakeUploader struct {
	keys []string
	err  error
}

func (u *fakeUploader) Upload(_ context.Context, key, _ string, _ []byte) error {
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	return nil
}

var errProvider = errors.New("provider down")
