package recognition_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/formulatex/formulatex-api/internal/domain/model"
	"github.com/formulatex/formulatex-api/internal/domain/recognition"
	"github.com/formulatex/formulatex-api/internal/domain/task"
	"github.com/formulatex/formulatex-api/internal/domain/wallet"
)

// fakeDelivery implements broker.Delivery and records the calls it sees.
type fakeDelivery struct {
	body    []byte
	attempt int

	acked    bool
	rejected bool
	requeued bool

	ops *[]string
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Attempt() int {
	if d.attempt == 0 {
		return 1
	}
	return d.attempt
}

func (d *fakeDelivery) Ack() error {
	d.acked = true
	d.record("ack")
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.rejected = true
	d.requeued = requeue
	d.record("reject")
	return nil
}

func (d *fakeDelivery) record(op string) {
	if d.ops != nil {
		*d.ops = append(*d.ops, op)
	}
}

// fakeQueue implements the dispatch/result queue surfaces and records
// everything published through it.
type fakeQueue struct {
	mu sync.Mutex

	results           [][]byte
	republished       [][]byte
	republishedAtt    []int
	deadLetters       [][]byte
	dispatches        [][]byte
	publishResult     error
	publishDispatch   error
	publishDeadLetter error

	ops *[]string
}

func (q *fakeQueue) record(op string) {
	if q.ops != nil {
		*q.ops = append(*q.ops, op)
	}
}

func (q *fakeQueue) PublishResult(_ context.Context, _ string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishResult != nil {
		return q.publishResult
	}
	q.results = append(q.results, body)
	q.record("publish_result")
	return nil
}

func (q *fakeQueue) RepublishDispatch(_ context.Context, _ string, body []byte, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.republished = append(q.republished, body)
	q.republishedAtt = append(q.republishedAtt, attempt)
	q.record("republish")
	return nil
}

func (q *fakeQueue) RepublishResult(_ context.Context, _ string, body []byte, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.republished = append(q.republished, body)
	q.republishedAtt = append(q.republishedAtt, attempt)
	q.record("republish")
	return nil
}

func (q *fakeQueue) PublishDeadLetter(_ context.Context, _ string, body []byte, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishDeadLetter != nil {
		return q.publishDeadLetter
	}
	q.deadLetters = append(q.deadLetters, body)
	q.record("dead_letter")
	return nil
}

func (q *fakeQueue) PublishDispatch(_ context.Context, _ string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishDispatch != nil {
		return q.publishDispatch
	}
	q.dispatches = append(q.dispatches, body)
	q.record("publish_dispatch")
	return nil
}

// memStore is an in-memory task store with the same guarded transitions as
// the SQL repository.
type memStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*task.Task

	getErr      error
	completeErr error
}

func newMemStore() *memStore {
	return &memStore{tasks: map[uuid.UUID]*task.Task{}}
}

func (s *memStore) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Status = task.StatusPending
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) MarkInProgress(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return task.ErrInvalidTransition
	}
	t.Status = task.StatusInProgress
	return nil
}

func (s *memStore) Complete(_ context.Context, id uuid.UUID, outputText string, creditsCharged decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return task.ErrInvalidTransition
	}
	t.Status = task.StatusDone
	t.OutputText = &outputText
	t.CreditsCharged = decimal.NewNullDecimal(creditsCharged)
	t.ErrorMessage = nil
	return nil
}

func (s *memStore) Fail(_ context.Context, id uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if t.Status == task.StatusError {
		return nil
	}
	if t.Status.IsTerminal() {
		return task.ErrInvalidTransition
	}
	t.Status = task.StatusError
	t.ErrorMessage = &errorMessage
	t.OutputText = nil
	return nil
}

func (s *memStore) put(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// memLedger is an in-memory wallet with idempotent spend-by-task.
type memLedger struct {
	mu      sync.Mutex
	balance decimal.Decimal
	spends  map[uuid.UUID]*wallet.Transaction

	spendErr error
}

func newMemLedger(balance decimal.Decimal) *memLedger {
	return &memLedger{balance: balance, spends: map[uuid.UUID]*wallet.Transaction{}}
}

func (l *memLedger) GetBalance(_ context.Context, _ uuid.UUID) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *memLedger) Spend(_ context.Context, _ uuid.UUID, amount decimal.Decimal, taskID uuid.UUID) (*wallet.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spendErr != nil {
		return nil, l.spendErr
	}
	if existing, ok := l.spends[taskID]; ok {
		return existing, nil
	}
	next := l.balance.Sub(amount)
	if next.IsNegative() {
		return nil, wallet.ErrInsufficientFunds
	}
	l.balance = next
	id := taskID
	txn := &wallet.Transaction{
		ID:          uuid.New(),
		Type:        wallet.TransactionTypeSpend,
		Amount:      amount,
		PostBalance: next,
		TaskID:      &id,
		CreatedAt:   time.Now(),
	}
	l.spends[taskID] = txn
	return txn, nil
}

func (l *memLedger) spendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spends)
}

// fakeCatalog serves a single model.
type fakeCatalog struct {
	model *model.MLModel
	err   error
}

func (c *fakeCatalog) GetActive(_ context.Context, id uuid.UUID) (*model.MLModel, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.model == nil || c.model.ID != id {
		return nil, model.ErrModelNotFound
	}
	if !c.model.IsActive {
		return nil, model.ErrModelInactive
	}
	return c.model, nil
}

func (c *fakeCatalog) CreditCost(_ context.Context, id uuid.UUID) (decimal.Decimal, error) {
	if c.err != nil {
		return decimal.Zero, c.err
	}
	if c.model == nil || c.model.ID != id {
		return decimal.Zero, model.ErrModelNotFound
	}
	return c.model.CreditCost, nil
}

// fakeRecognizer returns a canned prediction or error.
type fakeRecognizer struct {
	pred  recognition.Prediction
	err   error
	calls int
}

func (r *fakeRecognizer) Recognize(_ context.Context, _ []byte) (recognition.Prediction, error) {
	r.calls++
	if r.err != nil {
		return recognition.Prediction{}, r.err
	}
	return r.pred, nil
}

// testImageBase64 returns a small valid PNG as base64.
func testImageBase64() string {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
