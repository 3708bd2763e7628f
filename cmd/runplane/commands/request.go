package commands

import (
	"github.com/runplane/runplane/pkg/kernel"
	"github.com/spf13/cobra"
)

// requestFlags builds a kernel.SubmitRequest from a YAML file and flags.
// Flags override the file.
type requestFlags struct {
	file     string
	id       string
	project  string
	task     string
	function string
	params   map[string]string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "YAML run request (- for stdin)")
	cmd.Flags().StringVar(&f.id, "id", "", "run id (generated when empty)")
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "project")
	cmd.Flags().StringVarP(&f.task, "task", "t", "", `task key, "<runtime>+<kind>"`)
	cmd.Flags().StringVar(&f.function, "function", "", "catalog function")
	cmd.Flags().StringToStringVar(&f.params, "param", nil, "run parameter key=value (repeatable)")
}

func (f *requestFlags) build() (kernel.SubmitRequest, error) {
	var req kernel.SubmitRequest
	if f.file != "" {
		if err := readYAMLFile(f.file, &req); err != nil {
			return req, err
		}
	}
	if f.id != "" {
		req.ID = f.id
	}
	if f.project != "" {
		req.Project = f.project
	}
	if f.task != "" {
		req.Task = f.task
	}
	if f.function != "" {
		req.Function = f.function
	}
	if len(f.params) > 0 {
		if req.Run == nil {
			req.Run = map[string]interface{}{}
		}
		params, _ := req.Run["parameters"].(map[string]interface{})
		if params == nil {
			params = map[string]interface{}{}
		}
		for k, v := range f.params {
			params[k] = v
		}
		req.Run["parameters"] = params
	}
	if req.Actor == "" {
		req.Actor = actor
	}
	return req, nil
}
