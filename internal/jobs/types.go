// Package jobs はコース生成ジョブの受付、状態管理、ワーカーへの配布を提供します。
package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は完了または失敗のいずれかであれば true を返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase は生成パイプラインの段階を表します。
type Phase string

const (
	PhaseDocumentAnalysis  Phase = "document_analysis"
	PhaseContentAnalysis   Phase = "content_analysis"
	PhaseContentGeneration Phase = "content_generation"
	PhaseValidation        Phase = "validation"
	PhaseFinalization      Phase = "finalization"
)

// Phases はパイプラインの実行順です。
var Phases = []Phase{
	PhaseDocumentAnalysis,
	PhaseContentAnalysis,
	PhaseContentGeneration,
	PhaseValidation,
	PhaseFinalization,
}

var phaseStartProgress = map[Phase]int{
	PhaseDocumentAnalysis:  5,
	PhaseContentAnalysis:   20,
	PhaseContentGeneration: 40,
	PhaseValidation:        75,
	PhaseFinalization:      85,
}

// Index は実行順での位置を返します。未定義の段階は -1 です。
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// PhaseProgress は段階の開始時点の進捗率を返します。
func PhaseProgress(p Phase) int {
	return phaseStartProgress[p]
}

// ErrorKind はジョブ失敗の分類です。
type ErrorKind string

const (
	KindDocument        ErrorKind = "DOCUMENT_ERROR"
	KindUpstream        ErrorKind = "UPSTREAM_ERROR"
	KindInvalidResponse ErrorKind = "INVALID_RESPONSE"
	KindStorage         ErrorKind = "STORAGE_ERROR"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindInternal        ErrorKind = "INTERNAL_ERROR"
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job はコース生成ジョブの現在状態を表します。
type Job struct {
	JobID       string     `json:"jobId"`
	CourseID    string     `json:"courseId"`
	DocumentIDs []string   `json:"documentIds"`
	Options     Options    `json:"options"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	Phase       Phase      `json:"phase,omitempty"`
	Progress    int        `json:"progress"`
	Status      Status     `json:"status"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Clone は呼び出し側が自由に変更できるコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.DocumentIDs = append([]string(nil), j.DocumentIDs...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
