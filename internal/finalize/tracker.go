// Package finalize owns the asynchronous "produce final PDF" job: a
// synchronous fast path with an inline timeout, caller-driven polling, and a
// bounded cancellable wait loop. Applying the result to the document is the
// stage machine's job, not this package's.
package finalize

import (
	"context"
	"errors"
	"sync"
	"time"

	"countersign/api/internal/util"
	"countersign/api/internal/workflow"
)

var (
	ErrUnknownJob  = errors.New("unknown finalisation job")
	ErrWaitTimeout = errors.New("finalisation wait ceiling reached")
)

// Renderer produces the final PDF bytes for a document snapshot.
type Renderer interface {
	RenderPDF(ctx context.Context, input RenderInput) ([]byte, error)
}

// Uploader persists the PDF and returns its durable URL.
type Uploader interface {
	Upload(ctx context.Context, documentID string, pdf []byte) (string, error)
}

// RenderInput is the snapshot rendered into the final document.
type RenderInput struct {
	DocumentID string
	Title      string
	TenantName string
	Groups     workflow.GroupSet
}

type State string

const (
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Status is one poll observation. PDFURL and CompletedAt are set on
// Completed; Err on Failed.
type Status struct {
	State       State
	PDFURL      string
	CompletedAt time.Time
	Err         error
}

// Outcome is a synchronous submit result.
type Outcome struct {
	PDFURL      string
	CompletedAt time.Time
}

type job struct {
	documentID  string
	done        chan struct{}
	pdfURL      string
	completedAt time.Time
	err         error
}

type Tracker struct {
	renderer      Renderer
	uploader      Uploader
	inlineTimeout time.Duration

	mu        sync.Mutex
	jobs      map[string]*job
	jobsByDoc map[string]string
}

func NewTracker(renderer Renderer, uploader Uploader, inlineTimeout time.Duration) *Tracker {
	if inlineTimeout <= 0 {
		inlineTimeout = 3 * time.Second
	}
	return &Tracker{
		renderer:      renderer,
		uploader:      uploader,
		inlineTimeout: inlineTimeout,
		jobs:          make(map[string]*job),
		jobsByDoc:     make(map[string]string),
	}
}

// Submit starts (or re-joins) the finalisation job for the document and
// attempts a synchronous result within the inline timeout. When the job does
// not finish in time the call degrades to asynchronous tracking and returns
// the job id to poll. Submitting again while a job for the same document is
// in flight re-joins that job rather than starting a second render.
func (t *Tracker) Submit(ctx context.Context, input RenderInput) (*Outcome, string, error) {
	t.mu.Lock()
	jobID, exists := t.jobsByDoc[input.DocumentID]
	var j *job
	if exists {
		j = t.jobs[jobID]
	} else {
		jobID = util.NewID("fin")
		j = &job{documentID: input.DocumentID, done: make(chan struct{})}
		t.jobs[jobID] = j
		t.jobsByDoc[input.DocumentID] = jobID
		go t.run(j, input)
	}
	t.mu.Unlock()

	select {
	case <-j.done:
		if j.err != nil {
			t.discard(jobID)
			return nil, "", j.err
		}
		t.discard(jobID)
		return &Outcome{PDFURL: j.pdfURL, CompletedAt: j.completedAt}, "", nil
	case <-time.After(t.inlineTimeout):
		return nil, jobID, nil
	case <-ctx.Done():
		// The job keeps running; a later submit or poll picks it up.
		return nil, jobID, nil
	}
}

// run executes the render and upload detached from any caller context so an
// abandoned submit never cancels the underlying job.
func (t *Tracker) run(j *job, input RenderInput) {
	defer close(j.done)
	ctx := context.Background()

	pdf, err := t.renderer.RenderPDF(ctx, input)
	if err != nil {
		j.err = err
		return
	}
	url, err := t.uploader.Upload(ctx, input.DocumentID, pdf)
	if err != nil {
		j.err = err
		return
	}
	j.pdfURL = url
	j.completedAt = time.Now()
}

// Poll reports the job's state. A terminal observation discards the job
// state; subsequent polls for the same id return ErrUnknownJob.
func (t *Tracker) Poll(ctx context.Context, jobID string) (Status, error) {
	t.mu.Lock()
	j, ok := t.jobs[jobID]
	t.mu.Unlock()
	if !ok {
		return Status{}, ErrUnknownJob
	}

	select {
	case <-j.done:
	default:
		return Status{State: StateProcessing}, nil
	}

	t.discard(jobID)
	if j.err != nil {
		return Status{State: StateFailed, Err: j.err}, nil
	}
	return Status{State: StateCompleted, PDFURL: j.pdfURL, CompletedAt: j.completedAt}, nil
}

// Wait polls until a terminal state, the ceiling, or caller cancellation.
// Cancelling the wait stops polling only; the job itself runs to completion
// and is resolved by a later poll or resubmission.
func (t *Tracker) Wait(ctx context.Context, jobID string, interval, ceiling time.Duration) (Status, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(ceiling)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := t.Poll(ctx, jobID)
		if err != nil {
			return Status{}, err
		}
		if status.State != StateProcessing {
			return status, nil
		}
		if ceiling > 0 && !time.Now().Before(deadline) {
			return Status{}, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Tracker) discard(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[jobID]; ok {
		delete(t.jobs, jobID)
		if t.jobsByDoc[j.documentID] == jobID {
			delete(t.jobsByDoc, j.documentID)
		}
	}
}
