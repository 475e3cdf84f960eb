package domain

// Task statuses shared by the global task queue and workflow tasks.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Built-in task type names. IDs are assigned by the catalog migration;
// code resolves types by name, never by hardcoded id.
const (
	TypeGeneration    = "GENERATION"
	TypeSubdivision   = "SUBDIVISION"
	TypeAnalysis      = "ANALYSIS"
	TypeEvaluation    = "EVALUATION"
	TypeProposition   = "PROPOSITION"
	TypeExtrapolation = "EXTRAPOLATION"
)

// Sentinel scores for issues that have not been evaluated yet. Roots
// carry 100/100 until an evaluation task scores them; children start at 0/0.
const (
	UnscoredRoot  = 100
	UnscoredChild = 0
)

// Workflow task input sources.
const (
	InputRaw            = "raw"
	InputDataset        = "dataset"
	InputPreviousOutput = "previous_output"
)

// Dataset field data types.
const (
	FieldText    = "text"
	FieldInteger = "integer"
	FieldReal    = "real"
)

type UserInput struct {
	ID           int64  `json:"id"`
	IssueTitle   string `json:"issue_title"`
	IssueContext string `json:"issue_context,omitempty"`
	Generated    bool   `json:"generated"`
	CreatedDate  string `json:"created_date" format:"date-time"`
}

type Issue struct {
	ID              int64  `json:"id"`
	ParentID        *int64 `json:"parent_id,omitempty"`
	Granularity     int    `json:"granularity"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Field           string `json:"field,omitempty"`
	Context         string `json:"context,omitempty"`
	ComplexityScore int    `json:"complexity_score"`
	ScopeScore      int    `json:"scope_score"`
	AnalysisDone    bool   `json:"analysis_done"`
	CreatedDate     string `json:"created_date" format:"date-time"`
}

type TaskType struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Role        string  `json:"role,omitempty"`
	Description string  `json:"description,omitempty"`
	Temperature float64 `json:"temperature"`
	Skip        bool    `json:"skip"`
	DeepOnly    bool    `json:"deep_only"`
}

type Task struct {
	ID          int64  `json:"id"`
	TaskTypeID  int64  `json:"task_type_id"`
	IssueID     *int64 `json:"issue_id,omitempty"`
	UserInputID *int64 `json:"user_input_id,omitempty"`
	WorkerID    *int64 `json:"worker_id,omitempty"`
	Status      string `json:"status" enum:"pending,active,completed"`
	CreatedDate string `json:"created_date" format:"date-time"`
	UpdatedDate string `json:"updated_date" format:"date-time"`
}

type Insight struct {
	ID          int64  `json:"id"`
	IssueID     int64  `json:"issue_id"`
	Description string `json:"description"`
	Field       string `json:"field,omitempty"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

type Proposal struct {
	ID          int64  `json:"id"`
	IssueID     int64  `json:"issue_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Field       string `json:"field,omitempty"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

type Extrapolation struct {
	ID          int64  `json:"id"`
	IssueID     int64  `json:"issue_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Field       string `json:"field,omitempty"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

type Worker struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	TaskCounter int    `json:"task_counter"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

// WorkerKey is a single-use usage key bound to a worker. Keys are stored
// hashed; "used" is a non-consuming flag so a key keeps authenticating
// after its first use.
type WorkerKey struct {
	ID          string `json:"id"`
	WorkerID    int64  `json:"worker_id"`
	KeyHash     string `json:"key_hash"`
	Used        bool   `json:"used"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

type Workflow struct {
	ID          int64  `json:"id"`
	WorkerID    int64  `json:"worker_id"`
	Name        string `json:"name"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

type WorkflowTask struct {
	ID              int64   `json:"id"`
	WorkflowID      int64   `json:"workflow_id"`
	Position        int     `json:"position"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	Role            string  `json:"role,omitempty"`
	Status          string  `json:"status" enum:"pending,active,completed"`
	TaskType        string  `json:"task_type" enum:"create,update,delete"`
	InputType       string  `json:"input_type" enum:"raw,dataset,previous_output"`
	RawData         string  `json:"raw_data,omitempty"`
	InputDatasetID  *int64  `json:"input_dataset_id,omitempty"`
	OutputDatasetID *int64  `json:"output_dataset_id,omitempty"`
	OutputAmount    int     `json:"output_amount" minimum:"1" maximum:"4"`
	OutputRecordIDs []int64 `json:"output_record_ids,omitempty"`
	CreatedDate     string  `json:"created_date" format:"date-time"`
	UpdatedDate     string  `json:"updated_date" format:"date-time"`
}

type Dataset struct {
	ID          int64  `json:"id"`
	WorkerID    int64  `json:"worker_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedDate string `json:"created_date" format:"date-time"`
}

type DatasetField struct {
	ID          int64  `json:"id"`
	DatasetID   int64  `json:"dataset_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	DataType    string `json:"data_type" enum:"text,integer,real"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
