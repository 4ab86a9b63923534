// Package branch implements the branch and staging workflow layered on git:
// branch lifecycle, staged-file tracking, test gating, commit and merge.
package branch

import "time"

// MainBranch is the protected trunk every project has.
const MainBranch = "main"

// Status is a branch's position in the workflow.
type Status string

const (
	StatusProtected     Status = "protected"
	StatusActive        Status = "active"
	StatusReadyForMerge Status = "ready-for-merge"
	StatusMerged        Status = "merged"
)

// TestStatus is the outcome of the most recent test run.
type TestStatus string

const (
	TestPassed TestStatus = "passed"
	TestFailed TestStatus = "failed"
)

// Source records who staged a file.
type Source string

const (
	SourceEditor Source = "editor"
	SourceAI     Source = "ai"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceEditor || s == SourceAI
}

// Merge-blocked reasons shown to users.
const (
	reasonStagingChanged   = "Staged changes updated since last test run"
	reasonChangedDuringRun = "Staged changes updated during test run"
	reasonTestsFailed      = "Tests failed"
	reasonNeedsTests       = "Run tests before merging"
	reasonNothingToMerge   = "No changes to merge"
)

// StagedFile is a pending file change tracked against a branch.
type StagedFile struct {
	Path      string    `json:"path"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// TestSummary holds test counts.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// TestRun is an immutable record of one test execution for a branch.
type TestRun struct {
	ID          string      `json:"id"`
	Branch      string      `json:"branch"`
	Status      TestStatus  `json:"status"`
	Summary     TestSummary `json:"summary"`
	JobID       string      `json:"jobId,omitempty"`
	Forced      bool        `json:"forced,omitempty"`
	CompletedAt time.Time   `json:"completedAt"`
}

// Branch is one unit of work within a project.
type Branch struct {
	ProjectID           string       `json:"projectId"`
	Name                string       `json:"name"`
	Description         string       `json:"description"`
	Status              Status       `json:"status"`
	IsCurrent           bool         `json:"isCurrent"`
	Ahead               int          `json:"ahead"`
	StagedFiles         []StagedFile `json:"stagedFiles"`
	LastTestStatus      *TestStatus  `json:"lastTestStatus"`
	LastTestSummary     *TestSummary `json:"lastTestSummary"`
	LastTestCompletedAt *time.Time   `json:"lastTestCompletedAt"`
	MergeBlockedReason  *string      `json:"mergeBlockedReason"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	MergedAt            *time.Time   `json:"mergedAt,omitempty"`

	stagedVersion int64
}

// StagedPaths returns the staged paths in staging order.
func (b *Branch) StagedPaths() []string {
	paths := make([]string, len(b.StagedFiles))
	for i, f := range b.StagedFiles {
		paths[i] = f.Path
	}
	return paths
}

// BranchSummary is the compact listing entry in an Overview.
type BranchSummary struct {
	Name            string `json:"name"`
	Status          Status `json:"status"`
	IsCurrent       bool   `json:"isCurrent"`
	StagedFileCount int    `json:"stagedFileCount"`
}

// WorkingBranch carries the details of a non-main branch in an Overview.
type WorkingBranch struct {
	Name                string       `json:"name"`
	Description         string       `json:"description"`
	Status              Status       `json:"status"`
	MergeBlockedReason  *string      `json:"mergeBlockedReason"`
	LastTestStatus      *TestStatus  `json:"lastTestStatus"`
	LastTestSummary     *TestSummary `json:"lastTestSummary"`
	LastTestCompletedAt *time.Time   `json:"lastTestCompletedAt"`
	StagedFiles         []StagedFile `json:"stagedFiles"`
	Ahead               int          `json:"ahead"`
}

// Overview is the canonical read model of a project's branches.
type Overview struct {
	Branches        []BranchSummary `json:"branches"`
	Current         string          `json:"current"`
	WorkingBranches []WorkingBranch `json:"workingBranches"`
}

// Commit describes a recorded commit.
type Commit struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch"`
	SHA       string    `json:"sha,omitempty"`
	Message   string    `json:"message"`
	Files     []string  `json:"files"`
	CSSOnly   bool      `json:"cssOnly"`
	Ahead     int       `json:"ahead"`
	CreatedAt time.Time `json:"createdAt"`
}

// CSSOnlyResult classifies a branch's changes.
type CSSOnlyResult struct {
	IsCSSOnly bool     `json:"isCssOnly"`
	Branch    string   `json:"branch"`
	Indicator string   `json:"indicator"`
	Files     []string `json:"files"`
}

// Indicator values for CSSOnlyResult.
const (
	IndicatorStaged = "staged"
	IndicatorDiff   = "diff"
	IndicatorEmpty  = "empty"
)

// CreateRequest is the input to CreateBranch.
type CreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StageRequest is the input to StageFile.
type StageRequest struct {
	FilePath    string `json:"filePath"`
	Source      Source `json:"source"`
	Description string `json:"description"`
	BranchName  string `json:"branchName"`
}

// TestRequest is the input to RunTests.
type TestRequest struct {
	BranchName string `json:"branchName"`
	ForceFail  bool   `json:"forceFail"`
}

// CommitRequest is the input to Commit.
type CommitRequest struct {
	BranchName string `json:"branchName"`
	Message    string `json:"message"`
}

// BranchResult is returned by mutations that target one branch.
type BranchResult struct {
	Branch      *Branch     `json:"branch"`
	Overview    *Overview   `json:"overview"`
	AutoCreated bool        `json:"autoCreated,omitempty"`
	File        *StagedFile `json:"file,omitempty"`
}

// TestResult is returned by RunTests.
type TestResult struct {
	Run      *TestRun  `json:"testRun"`
	Branch   *Branch   `json:"branch"`
	Overview *Overview `json:"overview"`
}

// CommitResult is returned by Commit.
type CommitResult struct {
	Commit   *Commit   `json:"commit"`
	Branch   *Branch   `json:"branch"`
	Overview *Overview `json:"overview"`
}
