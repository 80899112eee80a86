package contracts

import (
	"github.com/kingrea/stepflow/internal/workflow"
)

// CheckFile loads the definition at path and checks it against caps. Load
// errors are returned as-is; capability findings go in the report.
func CheckFile(path string, caps Capabilities) (*Report, error) {
	wf, err := workflow.LoadFile(path)
	if err != nil {
		return nil, err
	}
	report := Check(wf, caps)
	report.Path = path
	return report, nil
}
