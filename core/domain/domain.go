package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending       JobStatus = "pending"
	StatusFetchingInfo  JobStatus = "fetching_info"
	StatusFetchingImage JobStatus = "fetching_image"
	StatusCompleted     JobStatus = "completed"
	StatusError         JobStatus = "error"
	StatusInvalidInput  JobStatus = "invalid_input"
	StatusRateLimited   JobStatus = "rate_limited"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusInvalidInput, StatusRateLimited:
		return true
	}
	return false
}

func (s JobStatus) failure() bool {
	return s.Terminal() && s != StatusCompleted
}

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusFetchingInfo:
		return 1
	case StatusFetchingImage:
		return 2
	default:
		return 3
	}
}

// Job is one research request. Mutate it only through its methods so the
// status never moves backwards and results are written once.
type Job struct {
	ID     string    `json:"id"`
	Query  string    `json:"query"`
	Status JobStatus `json:"status"`

	Info  string `json:"info,omitempty"`
	Image string `json:"image,omitempty"`

	AnimalName    string `json:"animal_name,omitempty"`
	SecondaryName string `json:"secondary_name,omitempty"`

	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions,omitempty"`

	LimitType         string `json:"limit_type,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`

	FromCache    bool `json:"from_cache"`
	PartialCache bool `json:"partial_cache,omitempty"`

	// meta
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewJob(id, query, clientID string, now time.Time) Job {
	return Job{
		ID:        id,
		Query:     query,
		Status:    StatusPending,
		Errors:    []string{},
		ClientID:  clientID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) Advance(next JobStatus) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, j.Status)
	}
	if next.rank() < j.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	if next == StatusCompleted && (j.Info == "" || j.Image == "") {
		return fmt.Errorf("%w: completed without info and image", ErrInvalidTransition)
	}
	j.Status = next
	return nil
}

// Fail moves the job into an error-like terminal status and records msg.
func (j *Job) Fail(status JobStatus, msg string) error {
	if !status.failure() {
		return fmt.Errorf("%w: %s is not a failure status", ErrInvalidTransition, status)
	}
	if err := j.Advance(status); err != nil {
		return err
	}
	j.Errors = append(j.Errors, msg)
	return nil
}

func (j *Job) SetInfo(info, animalName, secondaryName string) error {
	if j.Info != "" {
		return fmt.Errorf("%w: info", ErrAlreadySet)
	}
	j.Info = info
	j.AnimalName = animalName
	j.SecondaryName = secondaryName
	return nil
}

func (j *Job) SetImage(image string) error {
	if j.Image != "" {
		return fmt.Errorf("%w: image", ErrAlreadySet)
	}
	j.Image = image
	return nil
}

func (j Job) Response() StatusResponse {
	resp := StatusResponse{
		ID:                j.ID,
		Query:             j.Query,
		Status:            j.Status,
		AnimalName:        j.AnimalName,
		SecondaryName:     j.SecondaryName,
		Errors:            j.Errors,
		Suggestions:       j.Suggestions,
		LimitType:         j.LimitType,
		RetryAfterSeconds: j.RetryAfterSeconds,
		FromCache:         j.FromCache,
		PartialCache:      j.PartialCache,
		Done:              j.Status.Terminal(),
		CreatedAt:         j.CreatedAt,
	}
	if resp.Errors == nil {
		resp.Errors = []string{}
	}
	if j.Info != "" {
		info := j.Info
		resp.Info = &info
	}
	if j.Image != "" {
		image := j.Image
		resp.Image = &image
	}
	return resp
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type StatusResponse struct {
	ID     string    `json:"id"`
	Query  string    `json:"query"`
	Status JobStatus `json:"status"`
	Done   bool      `json:"done"`

	Info          *string `json:"info"`
	Image         *string `json:"image"`
	AnimalName    string  `json:"animal_name,omitempty"`
	SecondaryName string  `json:"secondary_name,omitempty"`

	Errors      []string `json:"errors"`
	Suggestions []string `json:"suggestions,omitempty"`

	LimitType         string `json:"limit_type,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`

	FromCache    bool      `json:"from_cache"`
	PartialCache bool      `json:"partial_cache,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Durable bool   `json:"durable"`
	Error   string `json:"error,omitempty"`
}

type SessionCountResponse struct {
	ActiveSessions int64 `json:"active_sessions"`
}

type SubmitRequest struct {
	Animal string `json:"animal"`
}

type BlacklistRequest struct {
	Client     string `json:"client"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

var (
	ErrEmptyQuery        = errors.New("animal name is required")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadySet        = errors.New("result already set")
)
