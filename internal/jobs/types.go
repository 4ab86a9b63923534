// Package jobs runs install, lint and test commands as tracked child processes.
package jobs

import (
	"strings"
	"time"
)

// Type is the kind of work a job performs.
type Type string

const (
	TypeInstall Type = "install"
	TypeLint    Type = "lint"
	TypeTest    Type = "test"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	return t == TypeInstall || t == TypeLint || t == TypeTest
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Final reports whether s is terminal.
func (s Status) Final() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// EventJobsUpdated is published whenever a job changes state.
const EventJobsUpdated = "jobs.updated"

// LogLine is one line of captured output.
type LogLine struct {
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is a snapshot of a child-process job.
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Type        Type       `json:"type"`
	Command     string     `json:"command"`
	Args        []string   `json:"args"`
	Cwd         string     `json:"cwd"`
	Status      Status     `json:"status"`
	ExitCode    *int       `json:"exitCode"`
	Logs        []LogLine  `json:"logs"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Output joins the captured log lines.
func (j *Job) Output() string {
	var b strings.Builder
	for _, l := range j.Logs {
		b.WriteString(l.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

func (j *Job) clone() *Job {
	c := *j
	c.Args = append([]string(nil), j.Args...)
	c.Logs = append([]LogLine(nil), j.Logs...)
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// StartRequest describes a job to launch.
type StartRequest struct {
	ProjectID string   `json:"projectId"`
	Type      Type     `json:"type"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Cwd       string   `json:"cwd"`
}
