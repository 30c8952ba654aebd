package taskname

const (
	// Workflow tasks
	WorkflowExecute = "workflow:execute"
)
