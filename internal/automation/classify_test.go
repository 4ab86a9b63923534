package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		prompt string
		want   SkipReason
	}{
		{"Please create a branch for QA validation", SkipBranchOnly},
		{"Switch to the main branch", SkipBranchOnly},
		{"create a branch called qa-validation", SkipBranchOnly},
		{"Switch to branch feature-x", SkipBranchOnly},
		{"Create branch feature/login", SkipBranchOnly},
		{"Checkout the qa branch", SkipBranchOnly},
		{"Create branch feature-x and add a footer", ""},
		{"Create a branch, then stage the edited files.", SkipBranchOnly},
		{"Stage the edited files", SkipStageOnly},
		{"Please stage my changes", SkipStageOnly},
		{"Create a branch and add a login form", ""},
		{"Create a new branch selector dropdown", ""},
		{"Stage the changes and add a footer", ""},
		{"Fix the login bug", ""},
		{"Make the header blue", ""},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.prompt, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.prompt))
		})
	}
}
