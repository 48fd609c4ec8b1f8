package models

// PlanStep is one entry in a Plan's ordered workflow: which plugin to run,
// pinned to the class/version/weight that was in effect when the plan was
// registered, plus its step-specific configuration overrides.
type PlanStep struct {
	Plugin        PluginDescriptor `json:"plugin"`
	Configuration Configuration    `json:"configuration,omitempty"`
	Description   string           `json:"description,omitempty"`
}

// Plan is a named, ordered workflow of plugin invocations. Plans are
// read-only from the workflow's perspective; import/validation is an
// external concern.
type Plan struct {
	Name     string     `json:"name"`
	Revision string     `json:"revision"`
	Workflow []PlanStep `json:"workflow"`
}
