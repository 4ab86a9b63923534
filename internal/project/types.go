package project

// Project is a user software project managed on local disk.
type Project struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Path           string `json:"path"`
	InstallCommand string `json:"installCommand,omitempty"`
	LintCommand    string `json:"lintCommand,omitempty"`
	TestCommand    string `json:"testCommand,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// CreateProjectInput holds the parameters for creating a new project.
type CreateProjectInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Path           string `json:"path,omitempty"`
	InstallCommand string `json:"installCommand,omitempty"`
	LintCommand    string `json:"lintCommand,omitempty"`
	TestCommand    string `json:"testCommand,omitempty"`
}

// UpdateProjectInput holds the parameters for updating a project.
type UpdateProjectInput struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	InstallCommand *string `json:"installCommand,omitempty"`
	LintCommand    *string `json:"lintCommand,omitempty"`
	TestCommand    *string `json:"testCommand,omitempty"`
}
