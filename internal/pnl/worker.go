package pnl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/trustedstake/stake-engine/internal/model"
)

// ErrWorkerStopped is returned by Compute once Run has returned.
var ErrWorkerStopped = errors.New("pnl: worker stopped")

// Request asks the worker for the PnL of one history. The worker owns the
// slices once the request is sent.
type Request struct {
	ID           uint64
	Transactions []model.Transaction
	Positions    []model.StakePosition

	reply chan Response
}

// Response carries the result of one Request.
type Response struct {
	ID      uint64
	Results map[model.NetUID]model.PnLResult
	Err     error
}

// Worker runs PnL computations on a dedicated goroutine. Callers exchange
// messages with it and never share the engine's inputs.
type Worker struct {
	engine   *Engine
	requests chan Request
	stopped  chan struct{}
	nextID   atomic.Uint64
}

// NewWorker creates a worker that buffers up to queue pending requests.
func NewWorker(engine *Engine, queue int) *Worker {
	if queue < 0 {
		queue = 0
	}
	return &Worker{
		engine:   engine,
		requests: make(chan Request, queue),
		stopped:  make(chan struct{}),
	}
}

// Run serves requests until ctx is cancelled. It must be called once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	slog.Info("pnl worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("pnl worker stopped")
			return ctx.Err()
		case req := <-w.requests:
			req.reply <- w.handle(req)
		}
	}
}

func (w *Worker) handle(req Request) (resp Response) {
	resp.ID = req.ID
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pnl computation panicked", "id", req.ID, "panic", r)
			resp.Results = nil
			resp.Err = fmt.Errorf("pnl: computation failed: %v", r)
		}
	}()
	resp.Results = w.engine.Compute(req.Transactions, req.Positions)
	slog.Debug("pnl computed",
		"id", req.ID,
		"transactions", len(req.Transactions),
		"subnets", len(resp.Results),
		"elapsed", time.Since(start),
	)
	return resp
}

// Compute sends a copy of req to the worker and waits for its response.
func (w *Worker) Compute(ctx context.Context, req Request) (Response, error) {
	msg := Request{
		ID:           req.ID,
		Transactions: append([]model.Transaction(nil), req.Transactions...),
		Positions:    append([]model.StakePosition(nil), req.Positions...),
		reply:        make(chan Response, 1),
	}
	if msg.ID == 0 {
		msg.ID = w.nextID.Add(1)
	}

	select {
	case w.requests <- msg:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-w.stopped:
		return Response{}, ErrWorkerStopped
	}

	select {
	case resp := <-msg.reply:
		return resp, resp.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-w.stopped:
		// Run may have answered just before stopping.
		select {
		case resp := <-msg.reply:
			return resp, resp.Err
		default:
			return Response{}, ErrWorkerStopped
		}
	}
}
