package recognition_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/formulatex/formulatex-api/internal/domain/recognition"
	"github.com/formulatex/formulatex-api/internal/domain/task"
)

func newDispatchBody(t *testing.T, taskID, userID uuid.UUID, imageData string) []byte {
	t.Helper()
	body, err := json.Marshal(recognition.DispatchMessage{
		TaskID:    taskID.String(),
		UserID:    userID.String(),
		ImageData: imageData,
		Filename:  "formula.png",
		ModelID:   uuid.New().String(),
		Timestamp: 1700000000.5,
	})
	if err != nil {
		t.Fatalf("marshal dispatch: %v", err)
	}
	return body
}

func pendingTask(store *memStore, taskID, userID uuid.UUID) {
	store.put(&task.Task{ID: taskID, UserID: userID, ModelID: uuid.New(), Status: task.StatusPending})
}

func TestWorkerPublishesResultBeforeAck(t *testing.T) {
	taskID, userID := uuid.New(), uuid.New()
	store := newMemStore()
	pendingTask(store, taskID, userID)

	var ops []string
	queue := &fakeQueue{ops: &ops}
	rec := &fakeRecognizer{pred: recognition.Prediction{LatexCode: "x^2", Confidence: 0.97}}
	w := recognition.NewWorker("worker-1", store, rec, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: newDispatchBody(t, taskID, userID, testImageBase64()), ops: &ops}
	w.Handle(context.Background(), d)

	if len(queue.results) != 1 {
		t.Fatalf("expected 1 published result, got %d", len(queue.results))
	}
	if !d.acked {
		t.Fatal("expected dispatch to be acked")
	}
	if len(ops) != 2 || ops[0] != "publish_result" || ops[1] != "ack" {
		t.Fatalf("expected publish before ack, got %v", ops)
	}

	var result recognition.ResultMessage
	if err := json.Unmarshal(queue.results[0], &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success result")
	}
	if result.LatexCode == nil || *result.LatexCode != "x^2" {
		t.Fatalf("unexpected latex code: %v", result.LatexCode)
	}
	if result.WorkerID != "worker-1" {
		t.Fatalf("unexpected worker id %q", result.WorkerID)
	}
	if result.ImageInfo.Width != 4 || result.ImageInfo.Height != 4 || result.ImageInfo.Format != "png" {
		t.Fatalf("unexpected image info: %+v", result.ImageInfo)
	}

	got, _ := store.GetByID(context.Background(), taskID)
	if got.Status != task.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestWorkerValidationFailureNoRetry(t *testing.T) {
	taskID, userID := uuid.New(), uuid.New()
	store := newMemStore()
	pendingTask(store, taskID, userID)

	queue := &fakeQueue{}
	rec := &fakeRecognizer{pred: recognition.Prediction{LatexCode: "x"}}
	w := recognition.NewWorker("worker-1", store, rec, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: newDispatchBody(t, taskID, userID, "bm90IGFuIGltYWdl")} // valid base64, not an image
	w.Handle(context.Background(), d)

	if rec.calls != 0 {
		t.Fatal("recognizer must not run on validation failure")
	}
	if !d.acked || d.rejected {
		t.Fatal("validation failure must be acked, not rejected")
	}
	if len(queue.results) != 1 {
		t.Fatalf("expected 1 failed result, got %d", len(queue.results))
	}

	var result recognition.ResultMessage
	if err := json.Unmarshal(queue.results[0], &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Success || result.Error == nil {
		t.Fatalf("expected failed result with error, got %+v", result)
	}
}

func TestWorkerDeterministicInferenceFailure(t *testing.T) {
	taskID, userID := uuid.New(), uuid.New()
	store := newMemStore()
	pendingTask(store, taskID, userID)

	queue := &fakeQueue{}
	rec := &fakeRecognizer{err: errors.New("unrecognizable formula")}
	w := recognition.NewWorker("worker-1", store, rec, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: newDispatchBody(t, taskID, userID, testImageBase64())}
	w.Handle(context.Background(), d)

	if !d.acked {
		t.Fatal("deterministic failure must be acked")
	}
	if len(queue.republished) != 0 || len(queue.deadLetters) != 0 {
		t.Fatal("deterministic failure must not be requeued")
	}
	if len(queue.results) != 1 {
		t.Fatalf("expected 1 failed result, got %d", len(queue.results))
	}
}

func TestWorkerTransientFailureRequeuesWithinBudget(t *testing.T) {
	taskID, userID := uuid.New(), uuid.New()
	store := newMemStore()
	pendingTask(store, taskID, userID)

	queue := &fakeQueue{}
	rec := &fakeRecognizer{err: recognition.ErrBackendUnavailable}
	w := recognition.NewWorker("worker-1", store, rec, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: newDispatchBody(t, taskID, userID, testImageBase64()), attempt: 2}
	w.Handle(context.Background(), d)

	if len(queue.results) != 0 {
		t.Fatal("no result should be published on a transient failure")
	}
	if len(queue.republished) != 1 || queue.republishedAtt[0] != 3 {
		t.Fatalf("expected requeue with attempt 3, got %v", queue.republishedAtt)
	}
	if !d.acked {
		t.Fatal("original delivery must be acked after requeue")
	}

	got, _ := store.GetByID(context.Background(), taskID)
	if got.Status.IsTerminal() {
		t.Fatalf("task must stay non-terminal within retry budget, got %s", got.Status)
	}
}

func TestWorkerTransientFailureExhaustedDeadLetters(t *testing.T) {
	taskID, userID := uuid.New(), uuid.New()
	store := newMemStore()
	pendingTask(store, taskID, userID)

	queue := &fakeQueue{}
	rec := &fakeRecognizer{err: recognition.ErrBackendUnavailable}
	w := recognition.NewWorker("worker-1", store, rec, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: newDispatchBody(t, taskID, userID, testImageBase64()), attempt: 5}
	w.Handle(context.Background(), d)

	if len(queue.republished) != 0 {
		t.Fatal("exhausted message must not be requeued")
	}
	if len(queue.deadLetters) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(queue.deadLetters))
	}
	if !d.acked {
		t.Fatal("dead-lettered delivery must be acked")
	}

	got, _ := store.GetByID(context.Background(), taskID)
	if got.Status != task.StatusError {
		t.Fatalf("expected task error after exhausted retries, got %s", got.Status)
	}
	if got.ErrorMessage == nil {
		t.Fatal("expected a terminal error message")
	}
}

func TestWorkerDiscardsDispatchForTerminalTask(t *testing.T) {
	taskID, userID := uuid.New(), uuid.New()
	store := newMemStore()
	done := "x^2"
	store.put(&task.Task{ID: taskID, UserID: userID, Status: task.StatusDone, OutputText: &done, CreditsCharged: decimal.NewNullDecimal(decimal.RequireFromString("2.5"))})

	queue := &fakeQueue{}
	rec := &fakeRecognizer{pred: recognition.Prediction{LatexCode: "y"}}
	w := recognition.NewWorker("worker-1", store, rec, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: newDispatchBody(t, taskID, userID, testImageBase64())}
	w.Handle(context.Background(), d)

	if rec.calls != 0 {
		t.Fatal("terminal task must not be reprocessed")
	}
	if !d.acked {
		t.Fatal("late dispatch must be acked and discarded")
	}
	if len(queue.results) != 0 {
		t.Fatal("no result should be published for a terminal task")
	}
}

func TestWorkerRejectsMalformedDispatch(t *testing.T) {
	store := newMemStore()
	queue := &fakeQueue{}
	w := recognition.NewWorker("worker-1", store, &fakeRecognizer{}, queue, recognition.NewRetryPolicy(5))

	d := &fakeDelivery{body: []byte(`{"task_id": 12, "nope":`)}
	w.Handle(context.Background(), d)

	if !d.rejected || d.requeued {
		t.Fatal("malformed dispatch must be rejected without requeue")
	}
	if len(queue.results) != 0 {
		t.Fatal("no result for malformed dispatch")
	}
}
