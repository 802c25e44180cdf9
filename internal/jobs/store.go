package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix      = "job:"
	courseKeyPrefix   = "course-job:"
	maxUpdateAttempts = 16
)

// releaseCourseScript は自分が保持しているコースのロックだけを削除します。
var releaseCourseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store はジョブ状態の永続化を担います。
// 書き込みはジョブごとに1つのワーカーだけが行い、ステータス取得は読み取りのみです。
// 1 つのコースで同時に実行中のジョブは 1 件までです。
type Store interface {
	// Create はジョブを保存します。同じコースに未完了のジョブがある場合は ErrCourseBusy を返します。
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, phase Phase, percent int) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, info ErrorInfo) error
	Delete(ctx context.Context, jobID string) error
}

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は新しいジョブを保存し、コースのロックを取得します。同じIDが存在する場合はエラーです。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return errors.New("job with id is required")
	}
	prepareNew(job, s.now(), s.ttl)

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	key := jobKey(job.JobID)
	if job.CourseID == "" {
		ok, err := s.rdb.SetNX(ctx, key, payload, s.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s already exists", job.JobID)
		}
		return nil
	}

	lockKey := courseKey(job.CourseID)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("job %s already exists", job.JobID)
		}
		holder, err := tx.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if holder != "" {
			busy, err := s.active(ctx, holder)
			if err != nil {
				return err
			}
			if busy {
				return ErrCourseBusy
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.Set(ctx, lockKey, job.JobID, s.ttl)
			return nil
		})
		return err
	}
	return s.watch(ctx, job.JobID, txf, key, lockKey)
}

// active はロックを保持するジョブがまだ終了していないかを返します。
// 期限切れで消えたジョブや終了済みのジョブのロックは引き継げます。
func (s *RedisStore) active(ctx context.Context, jobID string) (bool, error) {
	job, err := s.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !job.Status.Terminal(), nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, ErrJobNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing はワーカーが処理を開始したことを記録します。
func (s *RedisStore) MarkProcessing(ctx context.Context, jobID string) error {
	return s.update(ctx, jobID, func(job *Job, now time.Time) error {
		return applyProcessing(job, now)
	})
}

// UpdateProgress は段階と進捗を更新します。
func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, phase Phase, percent int) error {
	return s.update(ctx, jobID, func(job *Job, now time.Time) error {
		return applyProgress(job, phase, percent, now)
	})
}

// MarkCompleted はジョブ完了を記録します。
func (s *RedisStore) MarkCompleted(ctx context.Context, jobID string) error {
	return s.update(ctx, jobID, func(job *Job, now time.Time) error {
		return applyCompleted(job, now)
	})
}

// MarkFailed はジョブ失敗を記録します。
func (s *RedisStore) MarkFailed(ctx context.Context, jobID string, info ErrorInfo) error {
	return s.update(ctx, jobID, func(job *Job, now time.Time) error {
		return applyFailed(job, info, now)
	})
}

// Delete はジョブを削除します（投入失敗時の後始末用）。保持していたコースのロックも解放します。
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, jobKey(jobID)).Err(); err != nil {
		return err
	}
	return s.releaseCourse(ctx, job)
}

func (s *RedisStore) releaseCourse(ctx context.Context, job *Job) error {
	if job.CourseID == "" {
		return nil
	}
	return releaseCourseScript.Run(ctx, s.rdb, []string{courseKey(job.CourseID)}, job.JobID).Err()
}

func (s *RedisStore) update(ctx context.Context, jobID string, mutate func(*Job, time.Time) error) error {
	key := jobKey(jobID)
	var updated Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if err := mutate(&job, s.now()); err != nil {
			return err
		}
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if job.CourseID != "" && !job.Status.Terminal() {
				pipe.Expire(ctx, courseKey(job.CourseID), s.ttl)
			}
			return nil
		})
		updated = job
		return err
	}

	if err := s.watch(ctx, jobID, txf, key); err != nil {
		return err
	}
	if updated.Status.Terminal() {
		return s.releaseCourse(ctx, &updated)
	}
	return nil
}

// watch は楽観ロックの競合時に txf を再試行します。
func (s *RedisStore) watch(ctx context.Context, jobID string, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too many concurrent updates", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func courseKey(courseID string) string {
	return courseKeyPrefix + courseID
}

func prepareNew(job *Job, now time.Time, ttl time.Duration) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.ExpiresAt.IsZero() && ttl > 0 {
		job.ExpiresAt = job.CreatedAt.Add(ttl)
	}
}

func applyProcessing(job *Job, now time.Time) error {
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	job.Status = StatusProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return nil
}

// applyProgress は段階が逆行せず、進捗が減少しないように更新します。
func applyProgress(job *Job, phase Phase, percent int, now time.Time) error {
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	if phase.Index() < 0 {
		return fmt.Errorf("unknown phase %q", phase)
	}
	if job.Status == StatusPending {
		job.Status = StatusProcessing
		job.StartedAt = &now
	}
	if phase.Index() >= job.Phase.Index() {
		job.Phase = phase
	}
	percent = clampPercent(percent)
	if percent > job.Progress {
		job.Progress = percent
	}
	job.UpdatedAt = now
	return nil
}

func applyCompleted(job *Job, now time.Time) error {
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	job.Status = StatusCompleted
	job.Phase = PhaseFinalization
	job.Progress = 100
	job.Error = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func applyFailed(job *Job, info ErrorInfo, now time.Time) error {
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	if info.Kind == "" {
		info.Kind = KindInternal
	}
	if info.Message == "" {
		info.Message = "unknown error"
	}
	job.Status = StatusFailed
	job.Error = &info
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
