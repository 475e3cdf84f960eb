package server

import "facet/internal/domain"

type SubmitInputRequest struct {
	IssueTitle   string `json:"issue_title"`
	IssueContext string `json:"issue_context,omitempty"`
}

type RegisterWorkerRequest struct {
	Name   string `json:"name"`
	Script string `json:"script"`
}

type RegisterWorkerResponse struct {
	Worker domain.Worker `json:"worker"`
	Key    string        `json:"key"`
}

type MintKeyResponse struct {
	WorkerID int64  `json:"worker_id"`
	Key      string `json:"key"`
}

type StatusResponse struct {
	TaskCounts map[string]int `json:"task_counts"`
	Issues     int            `json:"issues"`
}

type IssueDetailResponse struct {
	Issue          domain.Issue           `json:"issue"`
	Insights       []domain.Insight       `json:"insights"`
	Proposals      []domain.Proposal      `json:"proposals"`
	Extrapolations []domain.Extrapolation `json:"extrapolations"`
}

type CreateWorkflowRequest struct {
	Name string `json:"name"`
}

type AddWorkflowTaskRequest struct {
	Position        int    `json:"position"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Role            string `json:"role,omitempty"`
	TaskType        string `json:"task_type" enum:"create,update,delete"`
	InputType       string `json:"input_type" enum:"raw,dataset,previous_output"`
	RawData         string `json:"raw_data,omitempty"`
	InputDatasetID  *int64 `json:"input_dataset_id,omitempty"`
	OutputDatasetID *int64 `json:"output_dataset_id,omitempty"`
	OutputAmount    int    `json:"output_amount" minimum:"1" maximum:"4"`
}

type DatasetFieldRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	DataType    string `json:"data_type" enum:"text,integer,real"`
}

type CreateDatasetRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Fields      []DatasetFieldRequest `json:"fields"`
}
