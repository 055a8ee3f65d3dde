package protocol

import (
	"fmt"
	"time"
)

// CreateTimeLayout is the vendor's second-precision, zone-less timestamp.
const CreateTimeLayout = "2006-01-02 15:04:05"

// ExportRequest is everything one export attempt needs. Built by the catalog,
// never mutated afterwards.
type ExportRequest struct {
	Job        string
	SubmitURL  string
	Params     map[string]interface{}
	ModuleName string
	FilePrefix string
	MaxWait    time.Duration
}

// String representation
func (r ExportRequest) String() string {
	return fmt.Sprintf("job=%s module=%s prefix=%s url=%s", r.Job, r.ModuleName, r.FilePrefix, r.SubmitURL)
}

// SubmitResponse - body of an export submission
type SubmitResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// String representation
func (r *SubmitResponse) String() string {
	return fmt.Sprintf("code=%d msg=%s", r.Code, r.Msg)
}

// HistoryRequest - query of the shared export task history
type HistoryRequest struct {
	OperatorStoreID int64    `json:"operator_store_id,omitempty"`
	CompanyID       int64    `json:"company_id,omitempty"`
	Operator        string   `json:"operator,omitempty"`
	PageNumber      int      `json:"page_number"`
	PageSize        int      `json:"page_size"`
	CreateTime      []string `json:"create_time"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	TimeDesc        int      `json:"time_desc"`
}

// HistoryResponse - page of export task records
type HistoryResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data struct {
		Content []TaskRecord `json:"content"`
	} `json:"data"`
}

// TaskRecord - one row of the task history. State and Schedule are vendor
// codes: state 1 with schedule 100 means the file is ready.
type TaskRecord struct {
	Name       string  `json:"name"`
	ModuleName string  `json:"module_name"`
	State      int     `json:"state"`
	Schedule   float64 `json:"schedule"`
	CreateTime string  `json:"create_time"`
	URL        string  `json:"url"`
}

// CreatedAt parses CreateTime in the vendor's time zone.
func (r *TaskRecord) CreatedAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(CreateTimeLayout, r.CreateTime, loc)
}

// String representation
func (r *TaskRecord) String() string {
	return fmt.Sprintf("name=%s module=%s state=%d schedule=%.0f created=%s", r.Name, r.ModuleName, r.State, r.Schedule, r.CreateTime)
}
