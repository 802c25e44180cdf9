package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/korsify/internal/jobs"
)

var (
	// ErrAlreadyPolling は監視中の Poller で Watch を呼んだ場合に返されます。
	ErrAlreadyPolling = errors.New("poller is already watching a job")
	// ErrPollTimeout は全体のタイムアウトまでにジョブが終了しなかった場合の結果です。
	ErrPollTimeout = errors.New("polling timed out")
	// ErrJobFailed は失敗で終了したジョブの結果に付くエラーです。
	ErrJobFailed = errors.New("generation job failed")
)

// State は Poller の状態です。
type State int

const (
	StateIdle State = iota
	StatePolling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StatusFetcher はジョブ状態を 1 回取得します。*Client が実装します。
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*jobs.StatusResponse, error)
}

// PollerConfig は Poller の設定です。コールバックはすべて任意で、監視用のゴルーチンから呼ばれます。
type PollerConfig struct {
	Interval time.Duration
	// Timeout が 0 の場合は ctx が終わるまで待ちます。
	Timeout time.Duration

	OnUpdate   func(jobs.StatusResponse)
	OnError    func(error)
	OnComplete func(jobs.StatusResponse)
	OnFailed   func(jobs.StatusResponse)
}

// Outcome は監視の最終結果です。Status は最後に受け付けた状態で、一度も取得できなかった場合は nil です。
type Outcome struct {
	Status *jobs.StatusResponse
	Err    error
}

// Poller は 1 つのジョブを一定間隔で問い合わせ、終了状態を通知します。
// idle から polling に進み、終了すると done になります。done の後は再び Watch できます。
type Poller struct {
	fetcher StatusFetcher
	cfg     PollerConfig

	mu    sync.Mutex
	state State
	last  *jobs.StatusResponse
}

// NewPoller は Poller を作成します。
func NewPoller(fetcher StatusFetcher, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Poller{fetcher: fetcher, cfg: cfg}
}

// State は現在の状態を返します。
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Last は最後に受け付けた状態のコピーを返します。
func (p *Poller) Last() (jobs.StatusResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return jobs.StatusResponse{}, false
	}
	return *p.last, true
}

// Watch はジョブの監視を始めます。返すチャネルには Outcome が 1 つだけ届き、その後閉じられます。
func (p *Poller) Watch(ctx context.Context, jobID string) (<-chan Outcome, error) {
	p.mu.Lock()
	if p.state == StatePolling {
		p.mu.Unlock()
		return nil, ErrAlreadyPolling
	}
	p.state = StatePolling
	p.last = nil
	p.mu.Unlock()

	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		outcome := p.run(ctx, jobID)
		p.mu.Lock()
		p.state = StateDone
		p.mu.Unlock()
		out <- outcome
	}()
	return out, nil
}

func (p *Poller) run(ctx context.Context, jobID string) Outcome {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.cfg.Timeout, ErrPollTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if outcome, done := p.poll(ctx, jobID); done {
			return outcome
		}
		select {
		case <-ctx.Done():
			return p.stopped(ctx)
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, jobID string) (Outcome, bool) {
	status, err := p.fetcher.JobStatus(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return p.stopped(ctx), true
		}
		if errors.Is(err, ErrJobNotFound) {
			return Outcome{Status: p.lastCopy(), Err: err}, true
		}
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
		return Outcome{}, false
	}

	if !p.accept(status) {
		return Outcome{}, false
	}
	if p.cfg.OnUpdate != nil {
		p.cfg.OnUpdate(*status)
	}

	switch status.Status {
	case jobs.StatusCompleted:
		if p.cfg.OnComplete != nil {
			p.cfg.OnComplete(*status)
		}
		return Outcome{Status: p.lastCopy()}, true
	case jobs.StatusFailed:
		if p.cfg.OnFailed != nil {
			p.cfg.OnFailed(*status)
		}
		return Outcome{
			Status: p.lastCopy(),
			Err:    fmt.Errorf("%w: %s: %s", ErrJobFailed, status.ErrorKind, status.Error),
		}, true
	}
	return Outcome{}, false
}

// accept は進捗や段階が後戻りしていない状態だけを記録します。
func (p *Poller) accept(status *jobs.StatusResponse) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev := p.last; prev != nil {
		if status.Progress < prev.Progress {
			return false
		}
		if status.Phase != "" && prev.Phase != "" && status.Phase.Index() < prev.Phase.Index() {
			return false
		}
		if statusRank(status.Status) < statusRank(prev.Status) {
			return false
		}
	}
	s := *status
	p.last = &s
	return true
}

func (p *Poller) lastCopy() *jobs.StatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	s := *p.last
	return &s
}

func (p *Poller) stopped(ctx context.Context) Outcome {
	err := context.Cause(ctx)
	if err == nil {
		err = ctx.Err()
	}
	return Outcome{Status: p.lastCopy(), Err: err}
}

func statusRank(s jobs.Status) int {
	switch s {
	case jobs.StatusPending:
		return 0
	case jobs.StatusProcessing:
		return 1
	default:
		return 2
	}
}
