package worker

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatpilot/internal/breaker"
	"chatpilot/internal/models"
)

func newTestBreakers(t *testing.T) *breaker.Registry {
	t.Helper()
	return breaker.NewRegistry(breaker.Settings{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}, zap.NewNop())
}

func TestAIHandlerEnqueuesOneSend(t *testing.T) {
	ai := &fakeAI{reply: "Sure, I can help with that."}
	msgs := newFakeMessages()
	enq := &fakeEnqueuer{}
	h := NewAIHandler(ai, newTestBreakers(t), msgs, enq, zap.NewNop())

	job := testJob(models.KindAIProcessing, models.AIProcessingPayload{
		TenantID:       "t1",
		ConversationID: "c1",
		UserMessage:    "hello",
	})
	require.NoError(t, h.Handle(context.Background(), job))

	require.Equal(t, 1, ai.calls)
	require.Len(t, msgs.inserted, 1)
	require.Equal(t, "c1", msgs.inserted[0].ConversationID)
	require.Equal(t, models.MessagePending, msgs.inserted[0].Status)

	require.Len(t, enq.calls, 1, "exactly one follow-up send")
	require.Equal(t, models.KindOutboundSend, enq.calls[0].kind)
	sent, ok := enq.calls[0].payload.(models.OutboundSendPayload)
	require.True(t, ok)
	require.Equal(t, "c1", sent.ConversationID)
	require.Equal(t, msgs.inserted[0].ID, sent.MessageID)
	require.Equal(t, "Sure, I can help with that.", sent.Message)
}

func TestAIHandlerOpenBreakerSkipsProvider(t *testing.T) {
	ai := &fakeAI{err: errProvider}
	breakers := newTestBreakers(t)
	h := NewAIHandler(ai, breakers, newFakeMessages(), &fakeEnqueuer{}, zap.NewNop())

	job := testJob(models.KindAIProcessing, models.AIProcessingPayload{
		TenantID: "t1", ConversationID: "c1", UserMessage: "hi",
	})
	for i := 0; i < 5; i++ {
		require.Error(t, h.Handle(context.Background(), job))
	}
	require.Equal(t, 5, ai.calls)

	// Circuit is open now: the attempt fails fast without a provider call.
	err := h.Handle(context.Background(), job)
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.Equal(t, 5, ai.calls, "an open circuit must not touch the provider")
}

func TestAIHandlerMalformedPayloadSkips(t *testing.T) {
	h := NewAIHandler(&fakeAI{}, newTestBreakers(t), newFakeMessages(), &fakeEnqueuer{}, zap.NewNop())

	job := testJob(models.KindAIProcessing, models.AIProcessingPayload{TenantID: "t1"})
	err := h.Handle(context.Background(), job)
	require.ErrorIs(t, err, ErrSkip)
}

func TestSendHandlerMarksSentAndPublishes(t *testing.T) {
	sender := &fakeSender{providerID: "wamid.123"}
	msgs := newFakeMessages()
	events := &fakePublisher{}
	h := NewSendHandler(sender, msgs, events, zap.NewNop())

	job := testJob(models.KindOutboundSend, models.OutboundSendPayload{
		TenantID: "t1", To: "555", Message: "hi", MessageID: "m1",
	})
	require.NoError(t, h.Handle(context.Background(), job))

	require.Equal(t, "wamid.123", msgs.sent["m1"])
	require.Empty(t, msgs.inserted, "an existing message row is reused")
	require.Equal(t, []string{"message:status"}, events.events)
}

func TestSendHandlerInsertsRowWhenMissing(t *testing.T) {
	msgs := newFakeMessages()
	h := NewSendHandler(&fakeSender{providerID: "p1"}, msgs, nil, zap.NewNop())

	job := testJob(models.KindOutboundSend, models.OutboundSendPayload{
		TenantID: "t1", To: "555", Message: "hi",
	})
	require.NoError(t, h.Handle(context.Background(), job))

	require.Len(t, msgs.inserted, 1)
	require.Equal(t, job.ID, msgs.inserted[0].ID, "row keyed by job ID for retry idempotence")
	require.Equal(t, "p1", msgs.sent[job.ID])
}

func TestSendHandlerMarksFailedOnlyOnFinalAttempt(t *testing.T) {
	msgs := newFakeMessages()
	h := NewSendHandler(&fakeSender{err: errProvider}, msgs, nil, zap.NewNop())

	job := testJob(models.KindOutboundSend, models.OutboundSendPayload{
		TenantID: "t1", To: "555", Message: "hi", MessageID: "m1",
	})

	job.Attempts = 0
	require.Error(t, h.Handle(context.Background(), job))
	require.Empty(t, msgs.failed, "retries remain, the row stays pending")

	job.Attempts = job.MaxAttempts - 1
	require.Error(t, h.Handle(context.Background(), job))
	require.Equal(t, []string{"m1"}, msgs.failed)
}

func TestReminderHandlerEnqueuesSend(t *testing.T) {
	appts := &fakeAppointments{appts: map[string]models.Appointment{
		"a1": {
			ID:           "a1",
			TenantID:     "t1",
			ContactPhone: "555",
			ContactName:  "Ana",
			StartsAt:     time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
			Status:       models.AppointmentScheduled,
		},
	}}
	enq := &fakeEnqueuer{}
	h := NewReminderHandler(appts, enq, zap.NewNop())

	job := testJob(models.KindReminder, models.ReminderPayload{
		AppointmentID: "a1", Type: models.ReminderType1h,
	})
	require.NoError(t, h.Handle(context.Background(), job))

	require.Len(t, enq.calls, 1)
	sent := enq.calls[0].payload.(models.OutboundSendPayload)
	require.Equal(t, "555", sent.To)
	require.Contains(t, sent.Message, "one hour")
}

func TestReminderHandlerSkipsCancelledAndDeleted(t *testing.T) {
	appts := &fakeAppointments{appts: map[string]models.Appointment{
		"a1": {ID: "a1", Status: models.AppointmentCancelled},
	}}
	enq := &fakeEnqueuer{}
	h := NewReminderHandler(appts, enq, zap.NewNop())

	cancelled := testJob(models.KindReminder, models.ReminderPayload{AppointmentID: "a1", Type: "24h"})
	require.ErrorIs(t, h.Handle(context.Background(), cancelled), ErrSkip)

	deleted := testJob(models.KindReminder, models.ReminderPayload{AppointmentID: "gone", Type: "24h"})
	require.ErrorIs(t, h.Handle(context.Background(), deleted), ErrSkip)

	require.Empty(t, enq.calls, "nothing is sent for dead appointments")
}

func TestRAGHandlerIndexesDocument(t *testing.T) {
	docs := newFakeDocuments()
	docs.docs["d1"] = models.Document{ID: "d1", TenantID: "t1", Status: models.DocumentPending}
	up := &fakeUploader{}
	h := NewRAGHandler(docs, up, zap.NewNop())

	job := testJob(models.KindRAGIndexing, models.RAGIndexingPayload{
		TenantID:   "t1",
		DocumentID: "d1",
		FileBuffer: base64.StdEncoding.EncodeToString([]byte("pdf bytes")),
		MimeType:   "application/pdf",
	})
	require.NoError(t, h.Handle(context.Background(), job))

	require.Equal(t, []string{"documents/t1/d1"}, up.keys)
	require.Equal(t, "documents/t1/d1", docs.indexed["d1"])
}

func TestRAGHandlerAlreadyIndexedIsNoOp(t *testing.T) {
	docs := newFakeDocuments()
	docs.docs["d1"] = models.Document{ID: "d1", Status: models.DocumentIndexed}
	up := &fakeUploader{}
	h := NewRAGHandler(docs, up, zap.NewNop())

	job := testJob(models.KindRAGIndexing, models.RAGIndexingPayload{
		TenantID: "t1", DocumentID: "d1", FileBuffer: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	require.NoError(t, h.Handle(context.Background(), job))
	require.Empty(t, up.keys, "a duplicate delivery must not re-upload")
}

func TestRAGHandlerMarksFailedOnFinalAttempt(t *testing.T) {
	docs := newFakeDocuments()
	docs.docs["d1"] = models.Document{ID: "d1", Status: models.DocumentPending}
	h := NewRAGHandler(docs, &fakeUploader{err: errProvider}, zap.NewNop())

	job := testJob(models.KindRAGIndexing, models.RAGIndexingPayload{
		TenantID: "t1", DocumentID: "d1", FileBuffer: base64.StdEncoding.EncodeToString([]byte("x")),
	})

	job.Attempts = 0
	require.Error(t, h.Handle(context.Background(), job))
	require.Empty(t, docs.failed, "retries remain, the row stays pending")

	job.Attempts = job.MaxAttempts - 1
	require.Error(t, h.Handle(context.Background(), job))
	require.Equal(t, []string{"d1"}, docs.failed)
}

func TestRAGHandlerBadBufferSkips(t *testing.T) {
	docs := newFakeDocuments()
	docs.docs["d1"] = models.Document{ID: "d1", Status: models.DocumentPending}
	h := NewRAGHandler(docs, &fakeUploader{}, zap.NewNop())

	job := testJob(models.KindRAGIndexing, models.RAGIndexingPayload{
		TenantID: "t1", DocumentID: "d1", FileBuffer: "%%not-base64%%",
	})
	require.ErrorIs(t, h.Handle(context.Background(), job), ErrSkip)
}
